package chatlog

import (
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "http url", cfg: Config{LogServer: "http://logs.local:8080/api"}},
		{name: "https url with timeout", cfg: Config{LogServer: "https://logs.example.com/", RequestTimeout: time.Second}},
		{name: "empty", cfg: Config{}, wantErr: true},
		{name: "relative", cfg: Config{LogServer: "/logs"}, wantErr: true},
		{name: "wrong scheme", cfg: Config{LogServer: "ftp://logs.local"}, wantErr: true},
		{name: "negative timeout", cfg: Config{LogServer: "http://logs.local", RequestTimeout: -time.Second}, wantErr: true},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := testCase.cfg.Validate()
			if testCase.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
