package db

import "testing"

func TestConfig_DSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "with password",
			cfg:  Config{Host: "db", Port: 5432, User: "nudge", Password: "secret", Database: "nudge", SSLMode: "disable"},
			want: "host=db port=5432 user=nudge password=secret dbname=nudge sslmode=disable",
		},
		{
			name: "without password",
			cfg:  Config{Host: "localhost", Port: 5433, User: "nudge", Database: "test", SSLMode: "require"},
			want: "host=localhost port=5433 user=nudge dbname=test sslmode=require",
		},
		{
			name: "url wins",
			cfg:  Config{URL: "postgres://u@h/d", Host: "ignored"},
			want: "postgres://u@h/d",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.DSN(); got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}
