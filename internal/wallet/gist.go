package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"portline/internal/domain"
	"portline/internal/migrate"
)

const defaultGistAPI = "https://api.github.com"

// GistRemote stores the snapshot as one file of a private GitHub gist.
type GistRemote struct {
	ID         string
	Token      string
	Filename   string
	BaseURL    string
	HTTPClient *http.Client
}

type gistFile struct {
	Content string `json:"content"`
}

type gistDoc struct {
	Files map[string]*gistFile `json:"files"`
}

func (g GistRemote) Name() string { return "gist" }

func (g GistRemote) url() string {
	base := g.BaseURL
	if base == "" {
		base = defaultGistAPI
	}
	return strings.TrimRight(base, "/") + "/gists/" + g.ID
}

func (g GistRemote) client() *http.Client {
	if g.HTTPClient != nil {
		return g.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (g GistRemote) request(ctx context.Context, method string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, g.url(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+g.Token)
	req.Header.Set("User-Agent", "portline-wallet/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (g GistRemote) Fetch(ctx context.Context) (domain.WalletSnapshot, bool, error) {
	req, err := g.request(ctx, http.MethodGet, nil)
	if err != nil {
		return domain.WalletSnapshot{}, false, err
	}
	resp, err := g.client().Do(req)
	if err != nil {
		return domain.WalletSnapshot{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return domain.WalletSnapshot{}, false, nil
	}
	if resp.StatusCode >= 300 {
		return domain.WalletSnapshot{}, false, fmt.Errorf("gist fetch: status %d", resp.StatusCode)
	}
	var doc gistDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return domain.WalletSnapshot{}, false, fmt.Errorf("decode gist: %w", err)
	}
	file := doc.Files[g.Filename]
	if file == nil || strings.TrimSpace(file.Content) == "" {
		return domain.WalletSnapshot{}, false, nil
	}
	w, err := migrate.Wallet([]byte(file.Content))
	if err != nil {
		return domain.WalletSnapshot{}, false, err
	}
	return w, true, nil
}

func (g GistRemote) Push(ctx context.Context, w domain.WalletSnapshot) error {
	content, err := encodeSnapshot(w)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(gistDoc{Files: map[string]*gistFile{g.Filename: {Content: string(content)}}})
	if err != nil {
		return err
	}
	req, err := g.request(ctx, http.MethodPatch, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	resp, err := g.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gist push: status %d", resp.StatusCode)
	}
	return nil
}
