package github

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

type recordedRequest struct {
	method string
	path   string
	header http.Header
	body   string
}

func newRecordingServer(t *testing.T, status int, response string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var requests []recordedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests = append(requests, recordedRequest{
			method: r.Method,
			path:   r.URL.EscapedPath(),
			header: r.Header.Clone(),
			body:   string(body),
		})
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func TestClientHeaders(t *testing.T) {
	server, requests := newRecordingServer(t, http.StatusOK, `{"number": 7, "body": "impersonate=acme"}`)
	client := NewClient(server.URL, "", "")

	issue, err := client.GetIssue(context.Background(), "tok", "mapbox/support", 7)
	if err != nil {
		t.Fatalf("GetIssue() error = %v", err)
	}
	if issue.Body != "impersonate=acme" {
		t.Errorf("Body = %q, want impersonate=acme", issue.Body)
	}

	if len(*requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(*requests))
	}
	req := (*requests)[0]
	if req.method != http.MethodGet || req.path != "/repos/mapbox/support/issues/7" {
		t.Errorf("request = %s %s, want GET /repos/mapbox/support/issues/7", req.method, req.path)
	}

	wantHeaders := map[string]string{
		"User-Agent":    "github.com/mapbox/scrooge",
		"Accept":        "application/vnd.github.machine-man-preview+json",
		"Authorization": "token tok",
		"Content-Type":  "application/json",
	}
	for name, want := range wantHeaders {
		if got := req.header.Get(name); got != want {
			t.Errorf("header %s = %q, want %q", name, got, want)
		}
	}
}

func TestClientCustomIdentity(t *testing.T) {
	server, requests := newRecordingServer(t, http.StatusOK, `{"id": 1}`)
	client := NewClient(server.URL+"/", "example/agent", "application/json")

	if _, err := client.GetApp(context.Background(), "jwt"); err != nil {
		t.Fatalf("GetApp() error = %v", err)
	}

	req := (*requests)[0]
	if req.path != "/app" {
		t.Errorf("path = %v, want /app", req.path)
	}
	if got := req.header.Get("User-Agent"); got != "example/agent" {
		t.Errorf("User-Agent = %q, want example/agent", got)
	}
	if got := req.header.Get("Authorization"); got != "Bearer jwt" {
		t.Errorf("Authorization = %q, want Bearer jwt", got)
	}
}

func TestRemoveLabel(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		server, requests := newRecordingServer(t, http.StatusOK, `[]`)
		client := NewClient(server.URL, "", "")

		if err := client.RemoveLabel(context.Background(), "tok", "mapbox/support", 3, "calc-usage"); err != nil {
			t.Fatalf("RemoveLabel() error = %v", err)
		}
		req := (*requests)[0]
		if req.method != http.MethodDelete || req.path != "/repos/mapbox/support/issues/3/labels/calc-usage" {
			t.Errorf("request = %s %s", req.method, req.path)
		}
	})

	t.Run("label with space is escaped", func(t *testing.T) {
		server, requests := newRecordingServer(t, http.StatusOK, `[]`)
		client := NewClient(server.URL, "", "")

		if err := client.RemoveLabel(context.Background(), "tok", "o/r", 3, "calc usage"); err != nil {
			t.Fatalf("RemoveLabel() error = %v", err)
		}
		if got := (*requests)[0].path; got != "/repos/o/r/issues/3/labels/calc%20usage" {
			t.Errorf("path = %v", got)
		}
	})

	t.Run("not found", func(t *testing.T) {
		server, _ := newRecordingServer(t, http.StatusNotFound, `{"message":"Label does not exist"}`)
		client := NewClient(server.URL, "", "")

		err := client.RemoveLabel(context.Background(), "tok", "o/r", 3, "calc-usage")
		var statusErr *StatusError
		if !errors.As(err, &statusErr) {
			t.Fatalf("RemoveLabel() error = %v, want *StatusError", err)
		}
		if statusErr.StatusCode != http.StatusNotFound {
			t.Errorf("StatusCode = %v, want 404", statusErr.StatusCode)
		}
		if statusErr.Body != `{"message":"Label does not exist"}` {
			t.Errorf("Body = %v", statusErr.Body)
		}
	})
}

func TestCreateIssueComment(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		server, requests := newRecordingServer(t, http.StatusCreated, `{"id": 99, "html_url": "https://github.com/o/r/issues/3#issuecomment-99"}`)
		client := NewClient(server.URL, "", "")

		comment, err := client.CreateIssueComment(context.Background(), "tok", "o/r", 3, "|table|")
		if err != nil {
			t.Fatalf("CreateIssueComment() error = %v", err)
		}
		if comment.ID != 99 {
			t.Errorf("ID = %v, want 99", comment.ID)
		}

		req := (*requests)[0]
		if req.method != http.MethodPost || req.path != "/repos/o/r/issues/3/comments" {
			t.Errorf("request = %s %s", req.method, req.path)
		}
		var body IssueCommentRequest
		if err := json.Unmarshal([]byte(req.body), &body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if body.Body != "|table|" {
			t.Errorf("comment body = %q, want |table|", body.Body)
		}
	})

	t.Run("forbidden", func(t *testing.T) {
		server, _ := newRecordingServer(t, http.StatusForbidden, `{"message":"Resource not accessible"}`)
		client := NewClient(server.URL, "", "")

		if _, err := client.CreateIssueComment(context.Background(), "tok", "o/r", 3, "x"); err == nil {
			t.Error("CreateIssueComment() expected error")
		}
	})
}

func TestCreateInstallationTokenEmpty(t *testing.T) {
	server, _ := newRecordingServer(t, http.StatusCreated, `{}`)
	client := NewClient(server.URL, "", "")

	if _, err := client.CreateInstallationToken(context.Background(), "jwt", 1); err == nil {
		t.Error("CreateInstallationToken() expected error for empty token")
	}
}
