package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

func printUsage() {
	fmt.Println(`keygate - hardware-bound license server

Issues license keys bound to a hardware id, verifies them, gates the
protected artifact download and lets an operator revoke or reactivate keys.

Usage:
  keygate server [flags]                      Start the license server (default)
  keygate admin list                          List registered licenses
  keygate admin stats                         Show license statistics
  keygate admin revoke --reason R <hwid>      Revoke a license
  keygate admin reactivate <hwid>             Reactivate a license
  keygate secret generate                     Print a random admin secret and its bcrypt hash
  keygate secret hash <secret>                Print the bcrypt hash of a secret
  keygate version                             Print version
  keygate help                                Show this help

Environment Variables:
  KEYGATE_CONFIG              YAML config file
  KEYGATE_LISTEN              Listen address (default: :5000)
  KEYGATE_STORE_BACKEND       Store backend: json|sqlite (default: json)
  KEYGATE_STORE_PATH          Store file path
  KEYGATE_ARTIFACT_PATH       Protected artifact path (default: ./artifact.bin)
  KEYGATE_ADMIN_SECRET        Admin secret
  KEYGATE_ADMIN_SECRET_HASH   Admin secret bcrypt hash (preferred over the plain secret)
  KEYGATE_RATE_LIMIT_REQUESTS Requests per client per window (default: 10)
  KEYGATE_RATE_LIMIT_WINDOW   Rate limit window (default: 60s)
  KEYGATE_TRUST_PROXY_HEADERS Key clients by CF-Connecting-IP / X-Forwarded-For
  KEYGATE_OPS_LISTEN          Metrics and pprof listen address (disabled when empty)
  KEYGATE_LOG_LEVEL           Log level: debug|info|warn|error (default: info)
  KEYGATE_SERVER_URL          Server URL for admin commands`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	Version = ensureVPrefix(Version)
}

// ensureVPrefix normalizes release versions to start with "v" (GoReleaser
// strips the prefix while git-describe keeps it).
func ensureVPrefix(v string) string {
	if v == "" || v == "dev" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

func printVersion() {
	fmt.Println("keygate", Version)
}
