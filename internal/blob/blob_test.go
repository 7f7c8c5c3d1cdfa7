package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
)

func TestImageKey(t *testing.T) {
	data := []byte("png-bytes")
	sum := sha256.Sum256(data)
	wantHash := hex.EncodeToString(sum[:])
	wantKey := fmt.Sprintf("image/%c/%c/%s.png", wantHash[0], wantHash[1], wantHash)

	key, hash := ImageKey(data)
	if hash != wantHash {
		t.Errorf("hash = %s, want %s", hash, wantHash)
	}
	if key != wantKey {
		t.Errorf("key = %s, want %s", key, wantKey)
	}
}

func TestImageKey_Deterministic(t *testing.T) {
	k1, h1 := ImageKey([]byte("same"))
	k2, h2 := ImageKey([]byte("same"))
	if k1 != k2 || h1 != h2 {
		t.Error("ImageKey() not deterministic for identical content")
	}
	k3, _ := ImageKey([]byte("different"))
	if k1 == k3 {
		t.Error("ImageKey() collided for different content")
	}
}
