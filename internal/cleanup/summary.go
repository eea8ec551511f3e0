package cleanup

import (
	"fmt"
	"strings"

	"github.com/rendis/e2ekit/pkg/schema"
)

// Summary renders the line shown to the user after a run's cleanup.
func Summary(result *schema.CleanupResult, sessionID string) string {
	if result == nil {
		return "cleanup: not run"
	}
	if result.Success {
		return fmt.Sprintf("cleanup: deleted %d resource(s)", len(result.Deleted))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "cleanup: deleted %d, could not delete %d: %s",
		len(result.Deleted), len(result.Failed), strings.Join(result.Failed, ", "))
	if sessionID != "" {
		fmt.Fprintf(&b, "\n  retry with: e2ekit cleanup retry %s", sessionID)
	}
	return b.String()
}
