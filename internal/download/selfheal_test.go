package download

import (
	"net/http"
	"testing"
	"time"

	"github.com/dmitrijs2005/blobsync/internal/contenthash"
	"github.com/stretchr/testify/assert"
)

func TestSelfHeal_EdgeHeaderBustsOnce(t *testing.T) {
	s := newSelfHeal(DefaultSelfHealPolicy())
	h := contenthash.FromBytes([]byte("x"))
	edge := http.Header{"Age": []string{"30"}}

	assert.True(t, s.shouldBust(h, edge))
	assert.False(t, s.shouldBust(h, edge), "cooldown")
}

func TestSelfHeal_SecondPlainMiss(t *testing.T) {
	s := newSelfHeal(DefaultSelfHealPolicy())
	h := contenthash.FromBytes([]byte("y"))

	assert.False(t, s.shouldBust(h, http.Header{}))
	assert.True(t, s.shouldBust(h, http.Header{}))
}

func TestSelfHeal_WindowExpires(t *testing.T) {
	s := newSelfHeal(SelfHealPolicy{MissWindow: 20 * time.Millisecond, Cooldown: 20 * time.Millisecond})
	h := contenthash.FromBytes([]byte("z"))

	assert.False(t, s.shouldBust(h, http.Header{}))
	time.Sleep(40 * time.Millisecond)
	assert.False(t, s.shouldBust(h, http.Header{}), "first miss forgotten")
}

func TestLooksEdgeCached(t *testing.T) {
	assert.True(t, looksEdgeCached(http.Header{"X-Cache": []string{"Miss from cloudfront"}}))
	h := http.Header{}
	h.Set("CF-Cache-Status", "HIT")
	assert.True(t, looksEdgeCached(h))
	assert.False(t, looksEdgeCached(http.Header{"Content-Type": []string{"text/plain"}}))
}
