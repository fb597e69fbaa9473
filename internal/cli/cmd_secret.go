package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/koltyakov/keygate/internal/auth"
)

func runSecret(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: keygate secret <generate|hash> [secret]")
		return 2
	}
	switch args[0] {
	case "generate":
		secret, err := auth.GenerateSecret()
		if err != nil {
			fmt.Fprintln(stderr, "generate secret:", err)
			return 1
		}
		hash, err := auth.HashSecret(secret)
		if err != nil {
			fmt.Fprintln(stderr, "hash secret:", err)
			return 1
		}
		fmt.Fprintln(stdout, "secret:", secret)
		fmt.Fprintln(stdout, "hash:", hash)
		return 0
	case "hash":
		if len(args) != 2 || strings.TrimSpace(args[1]) == "" {
			fmt.Fprintln(stderr, "usage: keygate secret hash <secret>")
			return 2
		}
		hash, err := auth.HashSecret(strings.TrimSpace(args[1]))
		if err != nil {
			fmt.Fprintln(stderr, "hash secret:", err)
			return 1
		}
		fmt.Fprintln(stdout, hash)
		return 0
	default:
		fmt.Fprintln(stderr, "unknown secret command:", args[0])
		return 2
	}
}
