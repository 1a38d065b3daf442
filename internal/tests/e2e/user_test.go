//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/usersvc/apiserver/config"
	"github.com/usersvc/apiserver/internal/logging"
	"github.com/usersvc/apiserver/internal/server"
)

const (
	serverPort = 18080
)

var baseURL = fmt.Sprintf("http://localhost:%d", serverPort)

func TestMain(m *testing.M) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	dir, err := os.MkdirTemp("", "users-e2e")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
		os.Exit(1)
	}

	srv, err := startServer(ctx, filepath.Join(dir, "e2e.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
		_ = os.RemoveAll(dir)
		os.Exit(1)
	}

	if err := waitForHealth(ctx, baseURL+"/healthz"); err != nil {
		fmt.Fprintf(os.Stderr, "server not healthy: %v\n", err)
		_ = srv.Shutdown(context.Background())
		_ = os.RemoveAll(dir)
		os.Exit(1)
	}

	code := m.Run()

	_ = srv.Shutdown(context.Background())
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

func TestUserLifecycle(t *testing.T) {
	created, status, err := sendUser(http.MethodPost, "/api/v1/users", map[string]any{
		"username":  "testuser",
		"password":  "password123",
		"is_active": true,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if status != http.StatusCreated {
		t.Fatalf("unexpected create status: %d", status)
	}
	if created.ID == 0 || created.Username != "testuser" {
		t.Fatalf("unexpected created user: %+v", created)
	}
	if !created.CreatedAt.Equal(created.UpdatedAt) {
		t.Fatalf("expected equal timestamps, got %v and %v", created.CreatedAt, created.UpdatedAt)
	}

	path := fmt.Sprintf("/api/v1/users/%d", created.ID)

	fetched, status, err := sendUser(http.MethodGet, path, nil)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if status != http.StatusOK || fetched.ID != created.ID || fetched.Username != "testuser" {
		t.Fatalf("unexpected fetched user (status %d): %+v", status, fetched)
	}

	updated, status, err := sendUser(http.MethodPut, path, map[string]any{"username": "bob"})
	if err != nil {
		t.Fatalf("update user: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("unexpected update status: %d", status)
	}
	if updated.Username != "bob" || !updated.IsActive {
		t.Fatalf("unexpected updated user: %+v", updated)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) || updated.UpdatedAt.Before(created.UpdatedAt) {
		t.Fatalf("unexpected timestamps after update: %+v", updated)
	}
}

func TestUserNotFound(t *testing.T) {
	_, status, err := sendUser(http.MethodGet, "/api/v1/users/999999", nil)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}

	_, status, err = sendUser(http.MethodPut, "/api/v1/users/999999", map[string]any{"username": "x"})
	if err != nil {
		t.Fatalf("update user: %v", err)
	}
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
}

type userResponse struct {
	ID        int       `json:"id"`
	Username  string    `json:"username"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func sendUser(method, path string, body any) (userResponse, int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return userResponse{}, 0, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, baseURL+path, reader)
	if err != nil {
		return userResponse{}, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return userResponse{}, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return userResponse{}, resp.StatusCode, nil
	}
	var user userResponse
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return userResponse{}, resp.StatusCode, err
	}
	return user, resp.StatusCode, nil
}

func startServer(ctx context.Context, dbPath string) (*server.Server, error) {
	_ = os.Setenv("SERVER_PORT", fmt.Sprintf("%d", serverPort))
	_ = os.Setenv("DATABASE_TYPE", "sqlite")
	_ = os.Setenv("DATABASE_URL", dbPath)
	_ = os.Setenv("RATE_LIMIT_PER_MINUTE", "0")
	_ = os.Setenv("MQ_BACKEND", "none")

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	srv, err := server.New(ctx, cfg, logging.Discard())
	if err != nil {
		return nil, err
	}

	go func() {
		_ = srv.Start()
	}()

	return srv, nil
}

func waitForHealth(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			return fmt.Errorf("health check failed with status")
		case <-ticker.C:
		}
	}
}
