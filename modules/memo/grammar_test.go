package memo

import "testing"

func TestParseTell(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		text   string
		want   Request
		wantOK bool
	}{
		{name: "leading token", text: "eve tell bob buy milk", want: Request{Recipient: "bob", Text: "buy milk"}, wantOK: true},
		{name: "bot nick prefix", text: "relaybot: tell Bob hi there", want: Request{Recipient: "Bob", Text: "hi there"}, wantOK: true},
		{name: "no leading token", text: "tell bob hi", want: Request{Recipient: "bob", Text: "hi"}, wantOK: true},
		{name: "empty memo text", text: "tell bob ", want: Request{Recipient: "bob"}, wantOK: true},
		{name: "trailing newline", text: "eve tell carl hi\n", want: Request{Recipient: "carl", Text: "hi"}, wantOK: true},
		{name: "mention recipient kept as typed", text: "@relaybot tell @bob hi", want: Request{Recipient: "@bob", Text: "hi"}, wantOK: true},
		{name: "text spanning lines", text: "tell bob hi\nthere"},
		{name: "missing text", text: "tell bob"},
		{name: "two leading tokens", text: "hey you tell bob hi"},
		{name: "tell inside word", text: "x retell bob hi"},
		{name: "plain chat", text: "hello everyone"},
		{name: "empty", text: ""},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, ok := ParseTell(testCase.text)
			if ok != testCase.wantOK {
				t.Fatalf("ok = %v, want %v", ok, testCase.wantOK)
			}
			if got != testCase.want {
				t.Fatalf("request = %+v, want %+v", got, testCase.want)
			}
		})
	}
}
