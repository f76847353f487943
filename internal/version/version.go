package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, Date)
}

// UserAgent is sent on outbound destination deliveries.
func UserAgent() string {
	return "untrace-fanout/" + Version
}
