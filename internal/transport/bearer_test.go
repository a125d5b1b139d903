package transport

import (
	"context"
	"errors"
	"testing"
)

type fakeAdapter struct {
	responses []fakeResponse
	calls     []RequestOptions
}

type fakeResponse struct {
	body []byte
	err  error
}

func (f *fakeAdapter) Request(_ context.Context, opts RequestOptions, _ []byte) ([]byte, error) {
	f.calls = append(f.calls, opts)
	if len(f.responses) == 0 {
		return nil, errors.New("no scripted response")
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r.body, r.err
}

func (f *fakeAdapter) Close() error { return nil }

type fakeTokens struct {
	bearer    string
	refreshes int
	refreshed string
	err       error
}

func (f *fakeTokens) Bearer() string { return f.bearer }

func (f *fakeTokens) RefreshBearer(context.Context) error {
	f.refreshes++
	if f.err != nil {
		return f.err
	}
	f.bearer = f.refreshed
	return nil
}

func TestBearerAttachesHeader(t *testing.T) {
	next := &fakeAdapter{responses: []fakeResponse{{body: []byte("ok")}}}
	tokens := &fakeTokens{bearer: "Bearer abc"}
	b := NewBearer(next, tokens, nil)

	body, err := b.Request(context.Background(), RequestOptions{Method: "GET", Path: "messages"}, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(body) != "ok" {
		t.Fatalf("body %q", body)
	}
	if got := next.calls[0].Headers["Authorization"]; got != "Bearer abc" {
		t.Fatalf("Authorization header %q", got)
	}
}

func TestBearerRefreshesOnceOn401(t *testing.T) {
	next := &fakeAdapter{responses: []fakeResponse{
		{err: &StatusError{Code: 401, Status: "401 Unauthorized"}},
		{body: []byte("ok")},
	}}
	tokens := &fakeTokens{bearer: "Bearer old", refreshed: "Bearer new"}
	b := NewBearer(next, tokens, nil)

	body, err := b.Request(context.Background(), RequestOptions{Method: "POST", Path: "messages"}, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(body) != "ok" {
		t.Fatalf("body %q", body)
	}
	if tokens.refreshes != 1 {
		t.Fatalf("refreshes %d, want 1", tokens.refreshes)
	}
	if len(next.calls) != 2 {
		t.Fatalf("calls %d, want 2", len(next.calls))
	}
	if got := next.calls[1].Headers["Authorization"]; got != "Bearer new" {
		t.Fatalf("retry Authorization %q, want refreshed token", got)
	}
}

func TestBearerSecond401Surfaces(t *testing.T) {
	next := &fakeAdapter{responses: []fakeResponse{
		{err: &StatusError{Code: 401, Status: "401 Unauthorized"}},
		{err: &StatusError{Code: 401, Status: "401 Unauthorized"}},
	}}
	tokens := &fakeTokens{bearer: "Bearer old", refreshed: "Bearer new"}
	b := NewBearer(next, tokens, nil)

	_, err := b.Request(context.Background(), RequestOptions{Method: "POST", Path: "messages"}, nil)
	if StatusCode(err) != 401 {
		t.Fatalf("error %v, want second 401 surfaced", err)
	}
	if tokens.refreshes != 1 {
		t.Fatalf("refreshes %d, want exactly 1", tokens.refreshes)
	}
	if len(next.calls) != 2 {
		t.Fatalf("calls %d, want exactly 2 (no infinite retry)", len(next.calls))
	}
}

func TestBearerNon401PassesThrough(t *testing.T) {
	next := &fakeAdapter{responses: []fakeResponse{
		{err: &StatusError{Code: 503, Status: "503 Service Unavailable"}},
	}}
	tokens := &fakeTokens{bearer: "Bearer t"}
	b := NewBearer(next, tokens, nil)

	_, err := b.Request(context.Background(), RequestOptions{Method: "POST", Path: "messages"}, nil)
	if StatusCode(err) != 503 {
		t.Fatalf("error %v, want 503", err)
	}
	if tokens.refreshes != 0 {
		t.Fatalf("refreshes %d, want 0", tokens.refreshes)
	}
}
