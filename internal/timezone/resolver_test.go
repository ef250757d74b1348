package timezone

import (
	"errors"
	"sync"
	"testing"
)

func TestResolve(t *testing.T) {
	t.Parallel()
	r, err := NewResolver(nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "alias", in: "Caracas", want: "America/Caracas"},
		{name: "alias upper", in: "CARACAS", want: "America/Caracas"},
		{name: "alias accent", in: "Bogotá", want: "America/Bogota"},
		{name: "alias spaces", in: "  buenos   aires ", want: "America/Argentina/Buenos_Aires"},
		{name: "alias underscore", in: "mexico_city", want: "America/Mexico_City"},
		{name: "iana", in: "Europe/Madrid", want: "Europe/Madrid"},
		{name: "utc", in: "UTC", want: "UTC"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.in)
			if err != nil {
				t.Fatalf("Resolve(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("Resolve(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolveInvalid(t *testing.T) {
	t.Parallel()
	r, err := NewResolver(nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	for _, in := range []string{"", "   ", "Atlantis", "Mars/Olympus_Mons", "Local"} {
		if _, err := r.Resolve(in); !errors.Is(err, ErrInvalidTimezone) {
			t.Fatalf("Resolve(%q) err = %v, want ErrInvalidTimezone", in, err)
		}
	}
}

func TestSetAliasesRejectsBadZone(t *testing.T) {
	t.Parallel()
	r, err := NewResolver(map[string]string{"home": "America/Lima"})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	if err := r.SetAliases(map[string]string{"home": "Nowhere/City"}); !errors.Is(err, ErrInvalidTimezone) {
		t.Fatalf("SetAliases err = %v, want ErrInvalidTimezone", err)
	}
	// Previous table survives a rejected update.
	got, err := r.Resolve("home")
	if err != nil || got != "America/Lima" {
		t.Fatalf("Resolve(home) = %q, %v", got, err)
	}
	// Custom tables replace the defaults entirely.
	if _, err := r.Resolve("Caracas"); !errors.Is(err, ErrInvalidTimezone) {
		t.Fatalf("expected default alias to be gone, got %v", err)
	}
}

func TestResolveConcurrentWithSwap(t *testing.T) {
	t.Parallel()
	r, err := NewResolver(nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if _, err := r.Resolve("Europe/Paris"); err != nil {
					t.Errorf("Resolve: %v", err)
					return
				}
			}
		}()
	}
	for j := 0; j < 50; j++ {
		_ = r.SetAliases(map[string]string{"lima": "America/Lima"})
	}
	wg.Wait()
}
