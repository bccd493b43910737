package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// client is a small REST helper around a Spyre server's base URL, the way
// stagecraft's cortex commands keep their HTTP calls inline per-command
// rather than behind a generated SDK.
type client struct {
	base string
	http *http.Client
}

func newClient(cmd *cobra.Command) (*client, error) {
	base, err := cmd.Root().PersistentFlags().GetString("server")
	if err != nil {
		return nil, err
	}
	return &client{base: base, http: &http.Client{Timeout: 30 * time.Second}}, nil
}

func (c *client) do(method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, string(b))
	}
	return resp, nil
}

// jsonEncoder returns a pretty-printing encoder writing to cmd's stdout.
func jsonEncoder(cmd *cobra.Command) *json.Encoder {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc
}

func (c *client) decode(method, path string, body, out any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// stream issues a GET with no response timeout, for long-lived SSE
// connections where client.do's blanket 30s timeout would cut the
// connection mid-stream.
func (c *client) stream(path string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	return resp, nil
}
