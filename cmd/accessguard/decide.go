package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/fatih/color"

	"github.com/kazz187/accessguard/internal/agent"
	"github.com/kazz187/accessguard/internal/approval"
)

func runDecide(ctx context.Context, serverURL, apiKey, token string, approved bool, scope string, perms []string) error {
	body, err := json.Marshal(approval.Decision{
		Token:       token,
		Approved:    approved,
		Permissions: perms,
		Scope:       agent.Scope(scope),
	})
	if err != nil {
		return err
	}
	endpoint := strings.TrimRight(serverURL, "/") + "/api/permission-requests/" + url.PathEscape(token) + "/decision"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var got approval.Request
	if err := json.Unmarshal(data, &got); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	switch got.Status {
	case approval.StatusApproved:
		fmt.Printf("%s %s (scope %s)\n", color.GreenString("approved"), got.Token, got.Scope)
	case approval.StatusDenied:
		fmt.Printf("%s %s\n", color.RedString("denied"), got.Token)
	default:
		fmt.Printf("%s %s %s\n", color.YellowString(string(got.Status)), got.Token, got.FailureReason)
	}
	return nil
}
