package telegram

import (
	"testing"

	"github.com/gotd/td/tg"
)

func TestPeerCacheResolve(t *testing.T) {
	t.Parallel()

	cache := NewPeerCache(0)
	original := &tg.InputPeerChannel{ChannelID: 77, AccessHash: 5}
	cache.RememberPeer("-10077", original)
	cache.RememberPeer("", &tg.InputPeerChat{ChatID: 1})
	cache.RememberPeer("-1", nil)
	original.AccessHash = 6

	peer, err := cache.Resolve("-10077")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	channel, ok := peer.(*tg.InputPeerChannel)
	if !ok || channel.AccessHash != 5 {
		t.Fatalf("peer = %+v, want stored copy", peer)
	}
	channel.AccessHash = 7
	again, _ := cache.Resolve("-10077")
	if again.(*tg.InputPeerChannel).AccessHash != 5 {
		t.Fatal("resolved peer aliases the cache")
	}

	for _, chatID := range []string{"", "-1", "-55"} {
		if _, err := cache.Resolve(chatID); err == nil {
			t.Fatalf("resolve %q: expected error", chatID)
		}
	}

	var missing *PeerCache
	if _, err := missing.Resolve("-10077"); err == nil {
		t.Fatal("nil cache resolve: expected error")
	}
	if missing.SentByBot("-10077", 1) {
		t.Fatal("nil cache reports sent message")
	}
}

func TestPeerCacheForgetsOldestSentMessage(t *testing.T) {
	t.Parallel()

	cache := NewPeerCache(2)
	cache.RememberSent("-55", 1)
	cache.RememberSent("-55", 2)
	cache.RememberSent("-55", 2)
	cache.RememberSent("-55", 0)
	cache.RememberSent("-56", 3)

	tests := []struct {
		chatID    string
		messageID int
		want      bool
	}{
		{chatID: "-55", messageID: 1, want: false},
		{chatID: "-55", messageID: 2, want: true},
		{chatID: "-56", messageID: 3, want: true},
		{chatID: "-55", messageID: 3, want: false},
	}
	for _, testCase := range tests {
		if got := cache.SentByBot(testCase.chatID, testCase.messageID); got != testCase.want {
			t.Fatalf("sent by bot %s:%d = %v, want %v", testCase.chatID, testCase.messageID, got, testCase.want)
		}
	}
}
