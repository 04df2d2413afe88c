package normalize

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		want  string
	}{
		{"empty", "", ""},
		{"lowercases", "QUERO AJUDA", "quero ajuda"},
		{"diacritic restore", "quero ajuda com meu cartao", "quero ajuda com meu cartão"},
		{"shorthand", "vc pode me ajudar pq nao consigo", "você pode me ajudar porque não consigo"},
		{"collapses whitespace", "meu   cartão \t não  funciona", "meu cartão não funciona"},
		{"repeated punctuation", "não funciona!!!!", "não funciona!"},
		{"trailing punct before lookup", "problema com cartao?", "problema com cartão?"},
		{"control characters stripped", "saldo\x00da\x01conta", "saldo da conta"},
		{"repeated letters", "socorrooooo", "socorro"},
		{"unrecognized passthrough", "xyzzy plugh", "xyzzy plugh"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	in := "PRECISO de ajuda com meu cartao!!! vc pode ajudar???"
	first := Normalize(in)
	for i := 0; i < 10; i++ {
		if got := Normalize(in); got != first {
			t.Fatalf("Normalize not deterministic: %q vs %q", got, first)
		}
	}
}
