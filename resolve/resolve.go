// Package resolve discovers the public address of the host through an
// external "what is my IP" service answering with the address as plain text.
package resolve

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// maxBody limits how much of the service response is inspected.
const maxBody = 1024

var ErrInvalidAddress = errors.New("resolve: response is not an IP address")

// PublicIP queries url and parses the first line of the response body as
// an IP address. A nil client selects http.DefaultClient.
func PublicIP(ctx context.Context, client *http.Client, url string) (net.IP, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, errors.Wrap(err, "unable to build lookup request")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "lookup %s failed", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("lookup %s failed: %s", url, resp.Status)
	}

	line, err := bufio.NewReader(io.LimitReader(resp.Body, maxBody)).ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "unable to read lookup response from %s", url)
	}

	ip := net.ParseIP(strings.TrimSpace(line))
	if ip == nil {
		return nil, errors.Wrapf(ErrInvalidAddress, "%q", strings.TrimSpace(line))
	}
	return ip, nil
}
