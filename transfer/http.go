package transfer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synthread/go-ota/outcome"
)

// Config defines how update streams are fetched
type Config struct {
	// CACert is a PEM encoded CA the server certificate must chain to. When
	// empty the system roots verify https servers.
	CACert string

	// Timeout bounds connecting, the response headers and every body read
	Timeout time.Duration

	UserAgent string

	Logger logrus.FieldLogger
}

// HTTPSource fetches streams with plain GET requests. Redirects are returned
// to the caller as a non-OK status rather than followed.
type HTTPSource struct {
	client    *http.Client
	userAgent string
	log       logrus.FieldLogger
}

var _ Source = &HTTPSource{}

// NewHTTPSource validates c and builds the client
func NewHTTPSource(c *Config) (*HTTPSource, error) {
	if c == nil {
		c = &Config{}
	}

	timeout := c.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if timeout < MinTimeout || timeout > MaxTimeout {
		return nil, outcome.Newf(outcome.InvalidArgument, "timeout %s is out of range (%s-%s)", timeout, MinTimeout, MaxTimeout)
	}

	var tlsConfig *tls.Config
	if c.CACert != "" {
		if len(c.CACert) >= MaxCACertLength {
			return nil, outcome.Newf(outcome.InvalidArgument, "ca certificate is %d bytes, limit is %d", len(c.CACert), MaxCACertLength-1)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(c.CACert)) {
			return nil, outcome.New(outcome.InvalidArgument, "ca certificate is not valid pem")
		}
		tlsConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}

	s := &HTTPSource{
		userAgent: c.UserAgent,
		log:       c.Logger,
	}
	if s.userAgent == "" {
		s.userAgent = DefaultUserAgent
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}

	dialer := &net.Dialer{Timeout: timeout}
	s.client = &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				conn, err := dialer.DialContext(ctx, network, addr)
				if err != nil {
					return nil, err
				}
				return &deadlineConn{Conn: conn, timeout: timeout}, nil
			},
			TLSClientConfig:       tlsConfig,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
			// the declared length has to be the number of bytes we read
			DisableCompression: true,
			DisableKeepAlives:  true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return s, nil
}

// Open sends the GET request and returns the body of a 200 response
func (s *HTTPSource) Open(ctx context.Context, rawURL string) (*Stream, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}

	// ctx only bounds the request up to the response headers, the body
	// lives until it is closed
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		stop()
		cancel()
		return nil, outcome.Wrap(err, outcome.InvalidArgument, "could not build request")
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := s.client.Do(req)
	detached := stop()
	if err != nil {
		cancel()
		return nil, outcome.Wrap(err, outcome.Unknown, "http get failed")
	}
	if !detached {
		resp.Body.Close()
		cancel()
		return nil, outcome.Wrap(ctx.Err(), outcome.Unknown, "http get canceled")
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}

	s.log.Debugf("GET %s: %s", rawURL, resp.Status)

	if err := statusError(resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, err
	}

	if resp.ContentLength <= 0 {
		resp.Body.Close()
		return nil, outcome.New(outcome.DownloadFailed, "server returned no content length")
	}

	s.log.Debugf("stream of %d bytes opened in %s", resp.ContentLength, time.Since(start))

	return &Stream{Body: resp.Body, Length: resp.ContentLength}, nil
}

// ValidateURL checks the URL before any network traffic
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return outcome.New(outcome.NoURLProvided, "url is empty")
	}
	if len(rawURL) > MaxURLLength {
		return outcome.Newf(outcome.InvalidArgument, "url is longer than %d characters", MaxURLLength)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return outcome.Wrap(err, outcome.InvalidArgument, "could not parse url")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return outcome.Newf(outcome.InvalidArgument, "url %q is not http or https", rawURL)
	}

	return nil
}

func statusError(code int) error {
	switch code {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return outcome.New(outcome.RemoteNotFound, "server answered 404")
	case http.StatusUnauthorized:
		return outcome.New(outcome.RemoteUnauthorized, "server answered 401")
	case http.StatusBadRequest:
		return outcome.New(outcome.RemoteBadRequest, "server answered 400")
	}
	return outcome.Newf(outcome.Unknown, "unexpected http status %d", code)
}

// cancelBody releases the request context once the body is closed
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// deadlineConn pushes the read deadline forward before every read so a
// stalled body read fails with a timeout instead of hanging
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}
