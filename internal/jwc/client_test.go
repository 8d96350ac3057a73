package jwc

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/enroll/internal/enrollerr"
	"github.com/joescharf/enroll/internal/models"
)

// solverFunc adapts a function to Solver.
type solverFunc func(ctx context.Context, image []byte) (string, error)

func (f solverFunc) Solve(ctx context.Context, image []byte) (string, error) { return f(ctx, image) }

func constSolver(code string) Solver {
	return solverFunc(func(context.Context, []byte) (string, error) { return code, nil })
}

// fakeBackend imitates the course selection service.
type fakeBackend struct {
	captchaCode string
	claimBody   string

	mu            sync.Mutex
	captchaStamps []string
	loginForms    []map[string]string
	claimQueries  []map[string]string

	loadingCalls atomic.Int32
	sessionOK    atomic.Bool
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(pathLoginPage, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>login</html>")
	})
	mux.HandleFunc(pathCaptcha, func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.captchaStamps = append(b.captchaStamps, r.URL.Query().Get("test"))
		b.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "abc", Path: "/"})
		_, _ = w.Write([]byte{0xff, 0xd8, 0xff})
	})
	mux.HandleFunc(pathLogin, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		b.mu.Lock()
		b.loginForms = append(b.loginForms, form)
		b.mu.Unlock()
		if form["ranstring"] == b.captchaCode && form["username"] == "2024001" {
			fmt.Fprint(w, `{"loginStatus":"1","loginMsg":"ok"}`)
			return
		}
		fmt.Fprint(w, `{"loginStatus":"-2","loginMsg":"bad code"}`)
	})
	mux.HandleFunc(pathLoading, func(w http.ResponseWriter, r *http.Request) {
		b.loadingCalls.Add(1)
		if c, err := r.Cookie("JSESSIONID"); err == nil && c.Value == "abc" {
			b.sessionOK.Store(true)
		}
		fmt.Fprint(w, "<html>loading</html>")
	})
	mux.HandleFunc(pathAction, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = r.ParseForm()
			switch r.PostForm.Get("key1") {
			case "0123":
				fmt.Fprint(w, resolveFound)
			case "0000":
				fmt.Fprint(w, resolveEmpty)
			default:
				fmt.Fprint(w, resolveUnknown)
			}
			return
		}
		q := map[string]string{}
		for k := range r.URL.Query() {
			q[k] = r.URL.Query().Get(k)
		}
		b.mu.Lock()
		b.claimQueries = append(b.claimQueries, q)
		b.mu.Unlock()
		fmt.Fprint(w, b.claimBody)
	})
	return mux
}

func (b *fakeBackend) loginCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.loginForms)
}

func newTestClient(t *testing.T, b *fakeBackend, solver Solver) *Client {
	t.Helper()
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)

	c, err := New(Config{
		Endpoint:   NewEndpoint("jwc", srv.URL),
		Credential: models.Credential{Username: "2024001", Password: "secret"},
		Solver:     solver,
	})
	require.NoError(t, err)
	return c
}

func TestAuthenticate_SucceedsFirstAttempt(t *testing.T) {
	b := &fakeBackend{captchaCode: "ab12"}
	c := newTestClient(t, b, constSolver("ab12"))

	err := c.Authenticate(context.Background(), 10, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, c.Authenticated())
	assert.Equal(t, 1, b.loginCount())
	assert.Equal(t, int32(1), b.loadingCalls.Load())
	assert.True(t, b.sessionOK.Load(), "session cookie from captcha should reach the establish request")

	form := b.loginForms[0]
	assert.Equal(t, "secret", form["password"])
	for _, k := range []string{"url", "returnType", "returnUrl", "area"} {
		v, ok := form[k]
		assert.True(t, ok, "placeholder %s must be sent", k)
		assert.Empty(t, v)
	}
}

func TestAuthenticate_EmptySolverNeverCallsLogin(t *testing.T) {
	b := &fakeBackend{captchaCode: "ab12"}
	c := newTestClient(t, b, constSolver(""))

	err := c.Authenticate(context.Background(), 3, 0)
	assert.ErrorIs(t, err, enrollerr.ErrAuthFailed)
	assert.False(t, c.Authenticated())
	assert.Equal(t, 0, b.loginCount())
	assert.Len(t, b.captchaStamps, 3)
}

func TestAuthenticate_WrongLengthSkipsLogin(t *testing.T) {
	b := &fakeBackend{captchaCode: "ab12"}
	c := newTestClient(t, b, constSolver("ab123"))

	err := c.Authenticate(context.Background(), 2, 0)
	assert.ErrorIs(t, err, enrollerr.ErrAuthFailed)
	assert.Equal(t, 0, b.loginCount())
}

func TestAuthenticate_RetriesAfterRejection(t *testing.T) {
	b := &fakeBackend{captchaCode: "ab12"}
	var calls atomic.Int32
	solver := solverFunc(func(context.Context, []byte) (string, error) {
		if calls.Add(1) == 1 {
			return "zzzz", nil
		}
		return "ab12", nil
	})
	c := newTestClient(t, b, solver)
	c.now = func() time.Time { return time.UnixMilli(int64(1000 + calls.Load())) }

	err := c.Authenticate(context.Background(), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, b.loginCount())
	require.Len(t, b.captchaStamps, 2)
	assert.NotEqual(t, b.captchaStamps[0], b.captchaStamps[1], "captcha requests are cache-busted")
}

func TestAuthenticate_SolverErrorIsAttemptFailure(t *testing.T) {
	b := &fakeBackend{captchaCode: "ab12"}
	solver := solverFunc(func(context.Context, []byte) (string, error) { return "", fmt.Errorf("ocr down") })
	c := newTestClient(t, b, solver)

	err := c.Authenticate(context.Background(), 2, 0)
	assert.ErrorIs(t, err, enrollerr.ErrAuthFailed)
	assert.Contains(t, err.Error(), "ocr down")
}

func TestAuthenticate_TransportFailureIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c, err := New(Config{
		Endpoint:   NewEndpoint("tms", srv.URL),
		Credential: models.Credential{Username: "u", Password: "p"},
		Solver:     constSolver("ab12"),
	})
	require.NoError(t, err)

	err = c.Authenticate(context.Background(), 2, 0)
	assert.ErrorIs(t, err, enrollerr.ErrAuthFailed)
	assert.ErrorIs(t, err, enrollerr.ErrTransport, "last cause is kept")
}

func TestAuthenticate_MissingCredential(t *testing.T) {
	c, err := New(Config{Endpoint: NewEndpoint("jwc", "http://127.0.0.1:1"), Solver: constSolver("ab12")})
	require.NoError(t, err)
	err = c.Authenticate(context.Background(), 1, 0)
	assert.ErrorIs(t, err, enrollerr.ErrAuthFailed)
}

func TestResolveAndClaim_RequireAuthentication(t *testing.T) {
	b := &fakeBackend{captchaCode: "ab12", claimBody: `<![CDATA[1]]><![CDATA[OK]]>`}
	c := newTestClient(t, b, constSolver("ab12"))

	_, err := c.Resolve(context.Background(), "0123")
	assert.ErrorIs(t, err, enrollerr.ErrPrecondition)

	_, err = c.Claim(context.Background(), "90123", true)
	assert.ErrorIs(t, err, enrollerr.ErrPrecondition)
	assert.Empty(t, b.claimQueries)
}

func TestResolve(t *testing.T) {
	b := &fakeBackend{captchaCode: "ab12"}
	c := newTestClient(t, b, constSolver("ab12"))
	require.NoError(t, c.Authenticate(context.Background(), 1, 0))

	handle, err := c.Resolve(context.Background(), "0123")
	require.NoError(t, err)
	assert.Equal(t, "90123", handle)

	_, err = c.Resolve(context.Background(), "0000")
	assert.ErrorIs(t, err, enrollerr.ErrNotFound)
	assert.Contains(t, err.Error(), "jwc")
	assert.Contains(t, err.Error(), "0000")

	_, err = c.Resolve(context.Background(), "7777")
	assert.ErrorIs(t, err, enrollerr.ErrUnparseable)
}

func TestClaim(t *testing.T) {
	b := &fakeBackend{captchaCode: "ab12", claimBody: `<![CDATA[0]]><![CDATA[Already taken]]>`}
	c := newTestClient(t, b, constSolver("ab12"))
	require.NoError(t, c.Authenticate(context.Background(), 1, 0))

	res, err := c.Claim(context.Background(), "90123", true)
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Equal(t, "Already taken", res.Message)

	require.Len(t, b.claimQueries, 1)
	q := b.claimQueries[0]
	assert.Equal(t, "addStudentCourseApply", q["setAction"])
	assert.Equal(t, "90123", q["teachId"])
	assert.Equal(t, "1", q["isBook"])
	assert.NotEmpty(t, q["tt"])

	_, err = c.Claim(context.Background(), "90123", false)
	require.NoError(t, err)
	assert.Equal(t, "0", b.claimQueries[1]["isBook"])
}

func TestClaim_ServerErrorIsTransport(t *testing.T) {
	b := &fakeBackend{captchaCode: "ab12"}
	mux := http.NewServeMux()
	mux.Handle("/", b.handler())
	var failClaims atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failClaims.Load() && strings.HasSuffix(r.URL.Path, pathAction) {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{
		Endpoint:   NewEndpoint("tms", srv.URL),
		Credential: models.Credential{Username: "2024001", Password: "p"},
		Solver:     constSolver("ab12"),
	})
	require.NoError(t, err)
	require.NoError(t, c.Authenticate(context.Background(), 1, 0))

	failClaims.Store(true)
	_, err = c.Claim(context.Background(), "90123", true)
	assert.ErrorIs(t, err, enrollerr.ErrTransport)
	assert.True(t, enrollerr.IsRetryable(err))
	assert.True(t, c.Authenticated(), "a failed claim does not end the session")
}

func TestClaim_Timeout(t *testing.T) {
	release := make(chan struct{})
	b := &fakeBackend{captchaCode: "ab12"}
	inner := b.handler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, pathAction) {
			<-release
		}
		inner.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	c, err := New(Config{
		Endpoint:     NewEndpoint("jwc", srv.URL),
		Credential:   models.Credential{Username: "2024001", Password: "p"},
		Solver:       constSolver("ab12"),
		ClaimTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, c.Authenticate(context.Background(), 1, 0))

	_, err = c.Claim(context.Background(), "90123", true)
	assert.ErrorIs(t, err, enrollerr.ErrTransport)
}

func TestLogout(t *testing.T) {
	b := &fakeBackend{captchaCode: "ab12"}
	c := newTestClient(t, b, constSolver("ab12"))
	require.NoError(t, c.Authenticate(context.Background(), 1, 0))

	require.NoError(t, c.Logout())
	assert.False(t, c.Authenticated())
	_, err := c.Resolve(context.Background(), "0123")
	assert.ErrorIs(t, err, enrollerr.ErrPrecondition)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Solver: constSolver("x")})
	assert.Error(t, err)

	_, err = New(Config{Endpoint: NewEndpoint("jwc", "jwc.example.edu")})
	assert.Error(t, err)
}
