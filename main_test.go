package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"uwbgateway/gateway"
	"uwbgateway/registry"
)

func TestRegisterWithGateway(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/register" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotQuery = r.URL.RawQuery
		if r.URL.Query().Get("ip") == "10.0.0.99" {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"code":"peer_unreachable","error":"connection refused"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"registered"}`))
	}))
	defer srv.Close()

	if err := registerWithGateway(context.Background(), srv.Client(), srv.URL+"/", "10.0.0.5", 8081); err != nil {
		t.Fatalf("registerWithGateway failed: %v", err)
	}
	if gotQuery != "ip=10.0.0.5&port=8081" {
		t.Fatalf("unexpected query %q", gotQuery)
	}

	err := registerWithGateway(context.Background(), srv.Client(), srv.URL, "10.0.0.99", 8080)
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected gateway error detail, got %v", err)
	}
}

func TestPrintDiagnosis(t *testing.T) {
	var buf bytes.Buffer
	if err := printDiagnosis(&buf, gateway.Diagnosis{}); err != nil {
		t.Fatalf("printDiagnosis failed: %v", err)
	}
	if !strings.Contains(buf.String(), "No peers discovered") {
		t.Fatalf("unexpected empty output %q", buf.String())
	}

	buf.Reset()
	err := printDiagnosis(&buf, gateway.Diagnosis{Peers: []gateway.PeerReport{
		{ID: "a1", Role: registry.RoleAnchor, Status: registry.StatusConnected, WorkingURL: "http://10.0.0.5:8080", Addresses: registry.AddressSet{IPv4: "10.0.0.5"}, Port: 8080},
		{ID: "n1", Role: registry.RoleNavigator, Status: registry.StatusError, Tried: 4, Errors: []string{"10.0.0.6:8083: refused"}},
	}})
	if err != nil {
		t.Fatalf("printDiagnosis failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"http://10.0.0.5:8080", "4 pairs failed: 10.0.0.6:8083: refused", "Discovered: 2  Connected: 1  Failed: 1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestScanWithoutSubnetsFails(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--data-dir", t.TempDir(), "scan"})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "no subnets") {
		t.Fatalf("expected no-subnets error, got %v", err)
	}
}
