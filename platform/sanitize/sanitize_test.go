package sanitize

import "testing"

func TestText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "City park renovation", "City park renovation"},
		{"tags", "<b>City</b> park", "City park"},
		{"encoded tags", "&lt;script&gt;alert(1)&lt;/script&gt;Park", "alert(1)Park"},
		{"entities", "Parks &amp; Recreation", "Parks & Recreation"},
		{"whitespace runs", "  Emphasize \t local   staff  ", "Emphasize local staff"},
		{"keeps line breaks", "Line one\r\n\n\n\n  Line two", "Line one\n\nLine two"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Text(tt.in); got != tt.want {
				t.Fatalf("Text(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTextPtr(t *testing.T) {
	if TextPtr(nil) != nil {
		t.Fatal("nil must stay nil")
	}
	blank := "  <br/> "
	if got := TextPtr(&blank); got != nil {
		t.Fatalf("expected nil for blank input, got %q", *got)
	}
	v := "<i>Focus</i> on safety"
	got := TextPtr(&v)
	if got == nil || *got != "Focus on safety" {
		t.Fatalf("unexpected result %v", got)
	}
}
