package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vikashloomba/mcp-http-gateway-go/pkg/backend"
)

// captureForwarder records what the router hands to the proxy.
type captureForwarder struct {
	lastPath  string
	lastQuery string
	lastName  string
	calls     int
	err       error
}

func (c *captureForwarder) Forward(w http.ResponseWriter, r *http.Request, d backend.Descriptor) error {
	c.calls++
	c.lastPath = r.URL.Path
	c.lastQuery = r.URL.RawQuery
	c.lastName = d.Name
	w.WriteHeader(http.StatusOK)
	return c.err
}

func boolPtr(b bool) *bool { return &b }

func httpDescriptor(name string) backend.Descriptor {
	return backend.Descriptor{Name: name, Protocol: backend.ProtocolHTTP, URL: "http://127.0.0.1:9000"}
}

func TestRoute_StripsPrefixAndPreservesQuery(t *testing.T) {
	fw := &captureForwarder{}
	rt := New(fw, nil)
	if err := rt.Register(httpDescriptor("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/echo/hi/there?x=1&y=2", nil)
	matched, err := rt.Route(httptest.NewRecorder(), req)
	if err != nil || !matched {
		t.Fatalf("Route = %v, %v; want match", matched, err)
	}
	if fw.lastPath != "/hi/there" {
		t.Fatalf("forwarded path = %q, want /hi/there", fw.lastPath)
	}
	if fw.lastQuery != "x=1&y=2" {
		t.Fatalf("forwarded query = %q", fw.lastQuery)
	}
	if fw.lastName != "echo" {
		t.Fatalf("forwarded descriptor = %q", fw.lastName)
	}
	// The caller's request must not be rewritten.
	if req.URL.Path != "/echo/hi/there" {
		t.Fatalf("original request mutated to %q", req.URL.Path)
	}
}

func TestRoute_NoStripKeepsFullPath(t *testing.T) {
	fw := &captureForwarder{}
	rt := New(fw, &Options{StripServerPrefix: boolPtr(false)})
	if err := rt.Register(httpDescriptor("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	matched, err := rt.Route(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/echo/hi", nil))
	if err != nil || !matched {
		t.Fatalf("Route = %v, %v", matched, err)
	}
	if fw.lastPath != "/echo/hi" {
		t.Fatalf("forwarded path = %q, want /echo/hi", fw.lastPath)
	}
}

func TestRoute_BarePrefixForwardsRoot(t *testing.T) {
	fw := &captureForwarder{}
	rt := New(fw, nil)
	if err := rt.Register(httpDescriptor("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	matched, _ := rt.Route(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/echo", nil))
	if !matched {
		t.Fatal("bare prefix did not match")
	}
	if fw.lastPath != "/" {
		t.Fatalf("forwarded path = %q, want /", fw.lastPath)
	}
}

func TestRoute_NoMatch(t *testing.T) {
	fw := &captureForwarder{}
	rt := New(fw, nil)
	if err := rt.Register(httpDescriptor("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for _, target := range []string{"/", "/unknown/x"} {
		matched, err := rt.Route(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
		if matched || err != nil {
			t.Fatalf("Route(%s) = %v, %v; want no match", target, matched, err)
		}
	}
	if fw.calls != 0 {
		t.Fatalf("forwarder called %d times", fw.calls)
	}
}

func TestRoute_CaseSensitivity(t *testing.T) {
	fw := &captureForwarder{}
	rt := New(fw, nil)
	if err := rt.Register(httpDescriptor("Echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	matched, _ := rt.Route(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/echo/x", nil))
	if matched {
		t.Fatal("case-sensitive router matched wrong case")
	}

	fw = &captureForwarder{}
	rt = New(fw, &Options{CaseSensitive: boolPtr(false)})
	if err := rt.Register(httpDescriptor("Echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	matched, _ = rt.Route(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/eChO/x", nil))
	if !matched {
		t.Fatal("case-insensitive router missed")
	}
}

func TestRoute_Wildcards(t *testing.T) {
	fw := &captureForwarder{}
	rt := New(fw, nil)
	if err := rt.Register(httpDescriptor("api-*")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	matched, _ := rt.Route(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api-v2/users", nil))
	if !matched {
		t.Fatal("wildcard name did not match")
	}
	if fw.lastPath != "/users" {
		t.Fatalf("forwarded path = %q", fw.lastPath)
	}

	rtOff := New(&captureForwarder{}, &Options{EnableWildcards: boolPtr(false)})
	if err := rtOff.Register(httpDescriptor("api-*")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	matched, _ = rtOff.Route(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api-v2/users", nil))
	if matched {
		t.Fatal("wildcards matched while disabled")
	}
}

func TestRegister_DuplicateRejected(t *testing.T) {
	rt := New(&captureForwarder{}, nil)
	if err := rt.Register(httpDescriptor("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := rt.Register(httpDescriptor("echo")); err == nil {
		t.Fatal("duplicate Register succeeded")
	}
}

func TestUnregisterAndNames(t *testing.T) {
	rt := New(&captureForwarder{}, nil)
	for _, name := range []string{"beta", "alpha"} {
		if err := rt.Register(httpDescriptor(name)); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
	names := rt.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Fatalf("Names = %v", names)
	}
	if !rt.Unregister("alpha") {
		t.Fatal("Unregister(alpha) = false")
	}
	if rt.Unregister("alpha") {
		t.Fatal("second Unregister(alpha) = true")
	}
}
