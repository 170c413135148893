package intent

import (
	"errors"
	"testing"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"install", KindInstall},
		{"generate-config", KindGenerateConfig},
		{"query", KindQuery},
		{"unknown", KindUnknown},
		{"", KindUnknown},
		{"reticulate", KindUnknown},
		{"INSTALL", KindUnknown}, // kinds are exact, not case-folded
	}
	for _, tt := range tests {
		if got := ParseKind(tt.in); got != tt.want {
			t.Errorf("ParseKind(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNewNormalizesKind(t *testing.T) {
	in := New(Kind("made-up"), "do something")
	if in.Kind != KindUnknown {
		t.Errorf("Kind = %s, want unknown", in.Kind)
	}
	if in.Parameters == nil {
		t.Error("Parameters should be allocated")
	}
	if in.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0", in.Confidence)
	}
}

func TestIntentValidate(t *testing.T) {
	tests := []struct {
		name    string
		in      Intent
		wantErr error
	}{
		{"valid", Intent{Kind: KindQuery, RawQuery: "hi", Confidence: 0.5}, nil},
		{"bad kind", Intent{Kind: "nope", RawQuery: "hi", Confidence: 0.5}, ErrUnknownKind},
		{"low confidence", Intent{Kind: KindQuery, RawQuery: "hi", Confidence: -0.1}, ErrInvalidConfidence},
		{"high confidence", Intent{Kind: KindQuery, RawQuery: "hi", Confidence: 1.1}, ErrInvalidConfidence},
		{"empty query", Intent{Kind: KindQuery, Confidence: 0.5}, ErrEmptyQuery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestIntentParam(t *testing.T) {
	in := New(KindInstall, "install firefox")
	in.Parameters["package"] = "firefox"
	in.Parameters["count"] = 3

	if got := in.Param("package"); got != "firefox" {
		t.Errorf("Param(package) = %q", got)
	}
	if got := in.Param("count"); got != "" {
		t.Errorf("Param(count) = %q, want empty for non-string", got)
	}
	if got := in.Param("missing"); got != "" {
		t.Errorf("Param(missing) = %q, want empty", got)
	}
}
