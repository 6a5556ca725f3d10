package parse

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"good", true},
		{"@good_user1", true},
		{"  @abcd  ", true},
		{"A_1b", true},
		{strings.Repeat("a", 32), true},
		{"@" + strings.Repeat("z", 32), true},
		{"abc", false},
		{strings.Repeat("a", 33), false},
		{"", false},
		{"@", false},
		{"@@good", false},
		{"has space", false},
		{"dash-name", false},
		{"юзернейм", false},
		{"user.name", false},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			if got := Validate(tc.in); got != tc.want {
				t.Fatalf("Validate(%q)=%v want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestExtract_Priority(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "   ", ""},
		{"at handle", "hi, my tag is @good_user1 thanks", "good_user1"},
		{"bare handle", "good_user1", "good_user1"},
		{"by username beats at", "send to @other by username: real_one", "real_one"},
		{"russian by username", "Telegram звёзды по username, durov_fan", "durov_fan"},
		{"nick colon", "ник: @nick_name", "nick_name"},
		{"username equals", "username=plain_name and @later", "plain_name"},
		{"at beats bare", "please send to @target_1", "target_1"},
		{"short tokens skipped", "hi yo @ab abcd", "abcd"},
		{"too long at rejected", "@" + strings.Repeat("x", 40), ""},
		{"boilerplate stripped", "Покупатель buyer_acc оплатил заказ #ABC123. Hello", "Hello"},
		{"english boilerplate stripped", "Buyer buyer_acc paid the order #ABC123.\n@dest_user", "dest_user"},
		{"cyrillic only", "привет как дела", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Extract(tc.in); got != tc.want {
				t.Fatalf("Extract(%q)=%q want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestExtractFromStructured(t *testing.T) {
	t.Run("attribute wins", func(t *testing.T) {
		f := OrderFields{
			Title:      "Telegram Stars, 100 stars",
			BuyerNote:  "@note_user",
			Attributes: map[string]string{"Username": "attr_user"},
		}
		if got := ExtractFromStructured(f); got != "attr_user" {
			t.Fatalf("got %q", got)
		}
	})
	t.Run("buyer note full extract", func(t *testing.T) {
		f := OrderFields{Title: "Telegram Stars 100", BuyerNote: "my_handle"}
		if got := ExtractFromStructured(f); got != "my_handle" {
			t.Fatalf("got %q", got)
		}
	})
	t.Run("title plain words ignored", func(t *testing.T) {
		f := OrderFields{Title: "Telegram Stars 100 stars", Description: "Fast delivery"}
		if got := ExtractFromStructured(f); got != "" {
			t.Fatalf("expected no handle, got %q", got)
		}
	})
	t.Run("title explicit handle", func(t *testing.T) {
		f := OrderFields{Title: "100 stars, by username @title_user"}
		if got := ExtractFromStructured(f); got != "title_user" {
			t.Fatalf("got %q", got)
		}
	})
}
