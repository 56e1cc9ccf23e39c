package provider

import (
	"context"
	"testing"

	gateway "github.com/eugener/heimdall/internal"
)

// fakeProvider is a minimal gateway.UpstreamProvider for registry tests.
type fakeProvider struct {
	name  string
	table gateway.DispatchTable
}

func (f *fakeProvider) Name() string                  { return f.name }
func (f *fakeProvider) Table() *gateway.DispatchTable { return &f.table }

func (f *fakeProvider) BuildRequest(context.Context, *gateway.Request, *gateway.CredentialEntry, *gateway.DownstreamContext) (*gateway.UpstreamHTTPRequest, error) {
	return nil, gateway.ErrUnsupported
}

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	p := &fakeProvider{name: "anthropic"}
	reg.Register("anthropic", p)

	got, err := reg.Get("anthropic")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name() != "anthropic" {
		t.Errorf("Name() = %q, want anthropic", got.Name())
	}

	if _, err := reg.Get("nonexistent"); err == nil {
		t.Fatal("expected error for nonexistent provider")
	}
}

func TestRegistryList(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register("beta", &fakeProvider{name: "beta"})
	reg.Register("alpha", &fakeProvider{name: "alpha"})
	reg.Register("gamma", &fakeProvider{name: "gamma"})

	names := reg.List()
	if len(names) != 3 {
		t.Fatalf("got %d names, want 3", len(names))
	}
	if names[0] != "alpha" || names[1] != "beta" || names[2] != "gamma" {
		t.Errorf("names = %v, want [alpha beta gamma]", names)
	}
}

func TestRegistryRemoveAndOverwrite(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	first := &fakeProvider{name: "first"}
	second := &fakeProvider{name: "second"}
	reg.Register("p1", first)
	reg.Register("p1", second)

	got, err := reg.Get("p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name() != "second" {
		t.Errorf("Name() = %q, want second (overwritten)", got.Name())
	}

	reg.Remove("p1")
	if _, err := reg.Get("p1"); err == nil {
		t.Fatal("expected error after Remove")
	}
}
