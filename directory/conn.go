package directory

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"

	"github.com/go-ldap/ldap/v3"
	"github.com/migadu/contactdir/config"
)

// Conn is the part of an LDAP connection the provider uses. *ldap.Conn
// satisfies it through ldapConn; tests substitute a fake.
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// Dialer opens an unbound connection to the directory.
type Dialer func(ctx context.Context, cfg config.DirectoryConfig) (Conn, error)

type ldapConn struct {
	*ldap.Conn
}

func (c ldapConn) Close() error {
	c.Conn.Close()
	return nil
}

// DialLDAP is the default Dialer. It honours the dial and request timeouts,
// ldaps:// URLs and StartTLS.
func DialLDAP(ctx context.Context, cfg config.DirectoryConfig) (Conn, error) {
	dialTimeout, err := cfg.GetDialTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid dial timeout: %w", err)
	}
	requestTimeout, err := cfg.GetRequestTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid request timeout: %w", err)
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid directory url: %w", err)
	}
	tlsConfig := &tls.Config{
		ServerName:         u.Hostname(),
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	conn, err := ldap.DialURL(cfg.URL, ldap.DialWithDialer(dialer), ldap.DialWithTLSConfig(tlsConfig))
	if err != nil {
		return nil, err
	}
	conn.SetTimeout(requestTimeout)

	if cfg.StartTLS && u.Scheme == "ldap" {
		if err := conn.StartTLS(tlsConfig); err != nil {
			conn.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}
	return ldapConn{conn}, nil
}
