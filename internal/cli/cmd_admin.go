package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/koltyakov/keygate/internal/config"
	"github.com/koltyakov/keygate/internal/domain"
	"github.com/koltyakov/keygate/internal/server"
)

const adminUsage = "usage: keygate admin [--server URL] [--secret S] <list|stats|revoke|reactivate> [flags] [hwid]"

func runAdmin(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, rest, err := config.ParseAdminFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, "admin config error:", err)
		return 2
	}
	if len(rest) == 0 {
		fmt.Fprintln(stderr, adminUsage)
		return 2
	}
	c := newAdminClient(cfg)

	switch rest[0] {
	case "list":
		return runAdminList(ctx, c, stdout, stderr)
	case "stats":
		return runAdminStats(ctx, c, stdout, stderr)
	case "revoke":
		return runAdminRevoke(ctx, c, rest[1:], stdout, stderr)
	case "reactivate":
		return runAdminReactivate(ctx, c, rest[1:], stdout, stderr)
	default:
		fmt.Fprintln(stderr, "unknown admin command:", rest[0])
		fmt.Fprintln(stderr, adminUsage)
		return 2
	}
}

func runAdminList(ctx context.Context, c *adminClient, stdout, stderr io.Writer) int {
	var resp domain.LicenseListResponse
	if err := c.do(ctx, http.MethodGet, "/admin/licenses", nil, &resp); err != nil {
		fmt.Fprintln(stderr, "admin list error:", err)
		return 1
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HWID\tSTATUS\tREGISTERED\tLAST CHECKED\tDOWNLOADS\tLAST USER")
	for _, l := range resp.Licenses {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			l.HWID, l.Status, formatTime(&l.RegisteredAt), formatTime(l.LastChecked), l.Downloads, l.LastUser)
	}
	_ = tw.Flush()
	fmt.Fprintf(stdout, "total=%d active=%d inactive=%d\n", resp.TotalLicenses, resp.Active, resp.Inactive)
	return 0
}

func runAdminStats(ctx context.Context, c *adminClient, stdout, stderr io.Writer) int {
	var resp domain.StatsResponse
	if err := c.do(ctx, http.MethodGet, "/admin/stats", nil, &resp); err != nil {
		fmt.Fprintln(stderr, "admin stats error:", err)
		return 1
	}
	fmt.Fprintf(stdout, "licenses: %d (active %d)\n", resp.TotalLicenses, resp.ActiveLicenses)
	fmt.Fprintf(stdout, "downloads: %d\n", resp.TotalDownloads)
	if len(resp.RecentActivity) == 0 {
		return 0
	}
	fmt.Fprintln(stdout, "recent activity:")
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	for _, a := range resp.RecentActivity {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", a.HWID, a.Status, formatTime(a.LastChecked))
	}
	_ = tw.Flush()
	return 0
}

func runAdminRevoke(ctx context.Context, c *adminClient, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("admin-revoke", flag.ContinueOnError)
	fs.SetOutput(stderr)
	reason := fs.String("reason", "", "revocation reason recorded on the license")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	hwid, ok := singleHWID(fs.Args())
	if !ok {
		fmt.Fprintln(stderr, "usage: keygate admin revoke [--reason R] <hwid>")
		return 2
	}
	return runAdminAction(ctx, c, "/admin/revoke", domain.AdminHWIDRequest{HWID: hwid, Reason: *reason}, stdout, stderr)
}

func runAdminReactivate(ctx context.Context, c *adminClient, args []string, stdout, stderr io.Writer) int {
	hwid, ok := singleHWID(args)
	if !ok {
		fmt.Fprintln(stderr, "usage: keygate admin reactivate <hwid>")
		return 2
	}
	return runAdminAction(ctx, c, "/admin/reactivate", domain.AdminHWIDRequest{HWID: hwid}, stdout, stderr)
}

func runAdminAction(ctx context.Context, c *adminClient, path string, req domain.AdminHWIDRequest, stdout, stderr io.Writer) int {
	var resp domain.AdminActionResponse
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		fmt.Fprintln(stderr, "admin error:", err)
		return 1
	}
	fmt.Fprintln(stdout, resp.Message)
	return 0
}

func singleHWID(args []string) (string, bool) {
	if len(args) != 1 {
		return "", false
	}
	hwid := strings.TrimSpace(args[0])
	return hwid, hwid != ""
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// adminClient talks to the admin HTTP API.
type adminClient struct {
	baseURL string
	secret  string
	http    *http.Client
}

func newAdminClient(cfg config.AdminClientConfig) *adminClient {
	return &adminClient{
		baseURL: cfg.ServerURL,
		secret:  cfg.Secret,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *adminClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set(server.HeaderAdminSecret, c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var e domain.ErrorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return errors.New(resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
