// Package intercept infers resource lifecycle events from a browser session's
// own HTTP traffic and records them in the run's ledger.
package intercept

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Op is the lifecycle event a rule detects.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Rule maps one endpoint shape to a resource type and lifecycle event.
type Rule struct {
	Type    string
	Op      Op
	Methods []string
	// Pattern is matched against the URL path plus "?query" when present.
	// Named groups other than IDGroup become ledger metadata.
	Pattern *regexp.Regexp
	// IDQuery is a jq query over the response body yielding one or more ids.
	IDQuery string
	// IDGroup names the Pattern group holding the id, used when IDQuery yields nothing.
	IDGroup string
	// OwnerQuery is a jq query yielding the owning user id, used by the owned update policy.
	OwnerQuery string
}

type match struct {
	rule   *Rule
	groups map[string]string
}

func (r *Rule) match(method string, target string) (match, bool) {
	if !r.allows(method) {
		return match{}, false
	}
	sub := r.Pattern.FindStringSubmatch(target)
	if sub == nil {
		return match{}, false
	}
	groups := make(map[string]string)
	for i, name := range r.Pattern.SubexpNames() {
		if name != "" && sub[i] != "" {
			groups[name] = sub[i]
		}
	}
	return match{rule: r, groups: groups}, true
}

func (r *Rule) allows(method string) bool {
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// metadata returns the named groups except the id group.
func (m match) metadata() map[string]any {
	meta := make(map[string]any, len(m.groups))
	for k, v := range m.groups {
		if k == m.rule.IDGroup {
			continue
		}
		if un, err := url.PathUnescape(v); err == nil {
			v = un
		}
		meta[k] = v
	}
	return meta
}

func matchTarget(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.RawQuery == "" {
		return u.EscapedPath()
	}
	return u.EscapedPath() + "?" + u.RawQuery
}

var (
	create = []string{"POST"}
	update = []string{"PUT", "PATCH"}
	remove = []string{"DELETE"}
)

func rule(typ string, op Op, methods []string, pattern, idQuery, idGroup, ownerQuery string) Rule {
	return Rule{
		Type:       typ,
		Op:         op,
		Methods:    methods,
		Pattern:    regexp.MustCompile(pattern),
		IDQuery:    idQuery,
		IDGroup:    idGroup,
		OwnerQuery: ownerQuery,
	}
}

// builtinRules are the endpoint tables per backend family.
var builtinRules = map[string][]Rule{
	// A conventional JSON API: /api/<plural>[/<id>], rows nested under tables.
	"rest": {
		rule("user", OpCreate, create, `^/api/users/?$`, `.id // .data.id // .user.id`, "", ""),
		rule("user", OpUpdate, update, `^/api/users/(?P<id>[^/?]+)$`, "", "id", `.id // .data.id`),
		rule("user", OpDelete, remove, `^/api/users/(?P<id>[^/?]+)$`, "", "id", ""),
		rule("team", OpCreate, create, `^/api/teams/?$`, `.id // .data.id`, "", ""),
		rule("team", OpUpdate, update, `^/api/teams/(?P<id>[^/?]+)$`, "", "id", `.owner_id // .ownerId // .data.owner_id`),
		rule("team", OpDelete, remove, `^/api/teams/(?P<id>[^/?]+)$`, "", "id", ""),
		rule("row", OpCreate, create, `^/api/tables/(?P<table>[^/]+)/rows/?$`, `.id // .data.id`, "", ""),
		rule("row", OpUpdate, update, `^/api/tables/(?P<table>[^/]+)/rows/(?P<id>[^/?]+)$`, "", "id", `.owner_id // .user_id // .ownerId`),
		rule("row", OpDelete, remove, `^/api/tables/(?P<table>[^/]+)/rows/(?P<id>[^/?]+)$`, "", "id", ""),
		rule("file", OpCreate, create, `^/api/files/?$`, `.id // .data.id // .key`, "", ""),
		rule("file", OpDelete, remove, `^/api/files/(?P<id>[^?]+)$`, "", "id", ""),
	},
	// PostgREST data, GoTrue auth and storage endpoints behind one gateway.
	"postgrest": {
		rule("user", OpCreate, create, `^/auth/v1/(signup|admin/users)$`, `.user.id // .id`, "", ""),
		rule("user", OpDelete, remove, `^/auth/v1/admin/users/(?P<id>[^/?]+)$`, "", "id", ""),
		rule("row", OpCreate, create, `^/rest/v1/(?P<table>[A-Za-z0-9_]+)(\?.*)?$`, `if type == "array" then .[].id else .id end`, "", ""),
		rule("row", OpUpdate, update, `^/rest/v1/(?P<table>[A-Za-z0-9_]+)\?(.*&)?id=eq\.(?P<id>[^&]+)`, "", "id",
			`if type == "array" then .[0].user_id // .[0].owner_id else .user_id // .owner_id end`),
		rule("row", OpDelete, remove, `^/rest/v1/(?P<table>[A-Za-z0-9_]+)\?(.*&)?id=eq\.(?P<id>[^&]+)`, "", "id", ""),
		rule("file", OpCreate, create, `^/storage/v1/object/(?P<bucket>[^/]+)/(?P<id>[^?]+)$`, "", "id", ""),
		rule("file", OpDelete, remove, `^/storage/v1/object/(?P<bucket>[^/]+)/(?P<id>[^?]+)$`, "", "id", ""),
	},
	// Record-collection databases exposing SQL tables over HTTP.
	"sql": {
		rule("user", OpCreate, create, `^/api/collections/users/records/?$`, `.id`, "", ""),
		rule("user", OpDelete, remove, `^/api/collections/users/records/(?P<id>[^/?]+)$`, "", "id", ""),
		rule("row", OpCreate, create, `^/api/collections/(?P<table>[^/]+)/records/?$`, `.id`, "", ""),
		rule("row", OpUpdate, update, `^/api/collections/(?P<table>[^/]+)/records/(?P<id>[^/?]+)$`, "", "id", `.user // .owner // .user_id`),
		rule("row", OpDelete, remove, `^/api/collections/(?P<table>[^/]+)/records/(?P<id>[^/?]+)$`, "", "id", ""),
	},
	// S3-compatible path-style object URLs.
	"objectstore": {
		rule("file", OpCreate, []string{"PUT", "POST"}, `^/(?P<bucket>[a-z0-9][a-z0-9.-]+)/(?P<id>[^?]+)$`, "", "id", ""),
		rule("file", OpDelete, remove, `^/(?P<bucket>[a-z0-9][a-z0-9.-]+)/(?P<id>[^?]+)$`, "", "id", ""),
	},
}

// RulesFor returns a copy of the built-in rule table for provider, or nil.
func RulesFor(provider string) []Rule {
	rs, ok := builtinRules[provider]
	if !ok {
		return nil
	}
	out := make([]Rule, len(rs))
	copy(out, rs)
	return out
}

// Providers lists the names accepted by RulesFor.
func Providers() []string {
	names := make([]string, 0, len(builtinRules))
	for k := range builtinRules {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
