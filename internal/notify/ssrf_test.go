package notify

import "testing"

func TestValidateOutboundURLRejectsPrivateAndLoopback(t *testing.T) {
	cases := []string{
		"http://127.0.0.1/hook",
		"http://localhost/hook",
		"http://10.1.2.3/hook",
		"http://172.16.0.5/hook",
		"http://192.168.1.1/hook",
		"http://169.254.169.254/latest/meta-data",
		"http://metadata.google.internal/computeMetadata/v1/",
		"http://[::1]/hook",
		"http://[fd00::1]/hook",
		"ftp://example.com/hook",
		"not-a-url",
	}
	for _, raw := range cases {
		if err := validateOutboundURL(raw); err == nil {
			t.Errorf("validateOutboundURL(%q) = nil, want error", raw)
		}
	}
}

func TestValidateOutboundURLAllowsPublicAddress(t *testing.T) {
	if err := validateOutboundURL("https://1.1.1.1/webhook"); err != nil {
		t.Fatalf("unexpected error for public IP literal: %v", err)
	}
}

func TestValidateOutboundURLRequiresHTTPScheme(t *testing.T) {
	if err := validateOutboundURL("gopher://1.1.1.1/hook"); err == nil {
		t.Fatal("expected rejection of non-http scheme")
	}
}
