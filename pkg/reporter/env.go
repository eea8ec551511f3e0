package reporter

import "os"

// Environment variables passed to the system under test at spawn time.
const (
	EnvSessionID = "E2EKIT_SESSION_ID"
	EnvURL       = "E2EKIT_TRACKING_URL"
	EnvFile      = "E2EKIT_TRACKING_FILE"
)

// Env is the session correlation contract between a run and the system under test.
type Env struct {
	SessionID string
	URL       string
	File      string
}

// Inert reports whether a reporter built from e would do nothing.
func (e Env) Inert() bool {
	return e.SessionID == "" || (e.URL == "" && e.File == "")
}

// Environ renders e as KEY=VALUE pairs, omitting empty values.
func (e Env) Environ() []string {
	var out []string
	for _, kv := range [][2]string{{EnvSessionID, e.SessionID}, {EnvURL, e.URL}, {EnvFile, e.File}} {
		if kv[1] != "" {
			out = append(out, kv[0]+"="+kv[1])
		}
	}
	return out
}

// EnvFromLookup reads the contract through lookup (os.LookupEnv in production).
func EnvFromLookup(lookup func(string) (string, bool)) Env {
	get := func(k string) string {
		v, _ := lookup(k)
		return v
	}
	return Env{SessionID: get(EnvSessionID), URL: get(EnvURL), File: get(EnvFile)}
}

// EnvFromOS reads the contract from the process environment.
func EnvFromOS() Env {
	return EnvFromLookup(os.LookupEnv)
}
