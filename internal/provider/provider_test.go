package provider

import (
	"strings"
	"testing"
)

func Test_Config_Validate_ClosedSet(t *testing.T) {
	t.Parallel()

	cfg := &Config{Backend: "anthropic"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("want error for unknown backend")
	}
	if !strings.Contains(err.Error(), "anthropic") {
		t.Errorf("error should name the rejected backend: %v", err)
	}
}

func Test_Config_Validate_RequiredFields(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"ollama needs nothing", Config{Backend: BackendOllama}, false},
		{"openai needs key", Config{Backend: BackendOpenAI}, true},
		{"openai with key", Config{Backend: BackendOpenAI, APIKey: "sk-x", Model: "gpt-4o"}, false},
		{"azure needs deployment", Config{Backend: BackendAzure, APIKey: "k", BaseURL: "https://x"}, true},
		{"azure complete", Config{Backend: BackendAzure, APIKey: "k", BaseURL: "https://x", AzureDeployment: "d"}, false},
		{"gemini needs key", Config{Backend: BackendGemini, Model: "gemini-1.5-pro"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr && err == nil {
				t.Error("want validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("want no error, got %v", err)
			}
		})
	}
}
