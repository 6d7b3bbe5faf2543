// Package cloud holds what the CAS client needs from the Ezviz cloud login:
// the client session id and the device proxy endpoint.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ezviz-cas/cas-bridge/pkg/cas"
)

// Positions of the proxy endpoint in the pipe separated sysConf string
const (
	sysConfHostIndex = 15
	sysConfPortIndex = 16
)

var ErrNoSession = errors.New("no cloud session")

// ParseSysConf extracts the CAS proxy endpoint from the sysConf value
// returned by the cloud service URL lookup.
func ParseSysConf(sysConf string) (cas.ServiceURLs, error) {
	parts := strings.Split(sysConf, "|")
	if len(parts) <= sysConfPortIndex {
		return cas.ServiceURLs{}, fmt.Errorf("%w: sysConf has %d fields, need %d", cas.ErrInvalidHost, len(parts), sysConfPortIndex+1)
	}

	host := strings.TrimSpace(parts[sysConfHostIndex])
	port, err := strconv.Atoi(strings.TrimSpace(parts[sysConfPortIndex]))
	if err != nil {
		return cas.ServiceURLs{}, fmt.Errorf("%w: bad proxy port %q", cas.ErrInvalidHost, parts[sysConfPortIndex])
	}

	urls := cas.ServiceURLs{ProxyHost: host, ProxyPort: port}
	if err := urls.Validate(); err != nil {
		return cas.ServiceURLs{}, err
	}
	return urls, nil
}

// StaticProvider serves a fixed session id and endpoint, typically from
// configuration.
type StaticProvider struct {
	SessionID string
	URLs      cas.ServiceURLs
}

// NewStaticProvider builds a provider from either a raw sysConf string or an
// explicit host and port. sysConf wins when both are set.
func NewStaticProvider(sessionID, sysConf, host string, port int) (*StaticProvider, error) {
	var urls cas.ServiceURLs
	if sysConf != "" {
		parsed, err := ParseSysConf(sysConf)
		if err != nil {
			return nil, err
		}
		urls = parsed
	} else {
		urls = cas.ServiceURLs{ProxyHost: host, ProxyPort: port}
		if err := urls.Validate(); err != nil {
			return nil, err
		}
	}

	return &StaticProvider{SessionID: sessionID, URLs: urls}, nil
}

// ClientSessionID implements cas.Credentials
func (p *StaticProvider) ClientSessionID(ctx context.Context) (string, error) {
	if p.SessionID == "" {
		return "", ErrNoSession
	}
	return p.SessionID, nil
}

// GetServiceURLs implements cas.Credentials
func (p *StaticProvider) GetServiceURLs(ctx context.Context) (cas.ServiceURLs, error) {
	return p.URLs, nil
}

var _ cas.Credentials = (*StaticProvider)(nil)
