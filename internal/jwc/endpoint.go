package jwc

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Resource paths, relative to an endpoint base.
const (
	pathLoginPage = "/service/login.html"
	pathLogin     = "/vatuu/UserLoginAction"
	pathCaptcha   = "/vatuu/GetRandomNumberToJPEG"
	pathLoading   = "/vatuu/UserLoadingAction"
	pathAction    = "/vatuu/CourseStudentAction"
)

// Endpoint is one backend instance: a base location and the resource
// paths derived from it.
type Endpoint struct {
	Name string
	Base string // scheme://host[/prefix], no trailing slash
}

// NewEndpoint builds an endpoint from a base URL. A base without a scheme
// is treated as HTTPS.
func NewEndpoint(name, base string) Endpoint {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return Endpoint{Name: name, Base: base}
}

func (e Endpoint) LoginPageURL() string { return e.Base + pathLoginPage }
func (e Endpoint) LoginURL() string     { return e.Base + pathLogin }
func (e Endpoint) CaptchaURL() string   { return e.Base + pathCaptcha }
func (e Endpoint) LoadingURL() string   { return e.Base + pathLoading }
func (e Endpoint) ActionURL() string    { return e.Base + pathAction }

// Host returns the base without its scheme.
func (e Endpoint) Host() string {
	if i := strings.Index(e.Base, "://"); i >= 0 {
		return e.Base[i+3:]
	}
	return e.Base
}

// DetectEndpoint picks the scheme for host. It requests the login page over
// HTTPS, following redirects; if the service ends up on plain HTTP the
// endpoint uses HTTP. Probe failures keep HTTPS.
func DetectEndpoint(ctx context.Context, hc *http.Client, name, host string, timeout time.Duration, logger *zap.Logger) Endpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	host = strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://")
	ep := NewEndpoint(name, "https://"+host)

	if hc == nil {
		hc = http.DefaultClient
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.LoginPageURL(), nil)
	if err != nil {
		logger.Warn("scheme probe request", zap.String("endpoint", name), zap.Error(err))
		return ep
	}
	resp, err := hc.Do(req)
	if err != nil {
		logger.Warn("scheme probe failed, keeping https", zap.String("endpoint", name), zap.Error(err))
		return ep
	}
	_ = resp.Body.Close()

	if resp.Request != nil && resp.Request.URL.Scheme == "http" {
		logger.Info("endpoint redirects to http", zap.String("endpoint", name))
		return NewEndpoint(name, "http://"+strings.TrimRight(host, "/"))
	}
	return ep
}
