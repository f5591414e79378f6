package agent

import "testing"

func TestSanitizeReply(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "Hello there.", "Hello there."},
		{"thinking tags stripped", "<think>let me reason</think>The answer is 4.", "The answer is 4."},
		{"multiline thinking", "<thinking>\nstep 1\nstep 2\n</thinking>\nDone.", "Done."},
		{"echoed system block dropped", "[System note: 3 messages omitted]\nextra detail\n\nReal reply.", "Real reply."},
		{"duplicate paragraph collapsed", "Same text.\n\nSame text.\n\nMore.", "Same text.\n\nMore."},
		{"empty stays empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeReply(tt.in); got != tt.want {
				t.Errorf("sanitizeReply(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
