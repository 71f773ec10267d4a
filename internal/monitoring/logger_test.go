package monitoring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func restoreLogger(t *testing.T) {
	original := Logf
	t.Cleanup(func() { Logf = original })
}

func TestSetLoggerNilMutes(t *testing.T) {
	restoreLogger(t)
	var rec Recorder
	SetLogger(rec.Logf)
	Logf("cycle %d", 7)
	SetLogger(nil)
	Logf("dropped")
	assert.Equal(t, []string{"cycle 7"}, rec.Lines())
}

func TestComponentFollowsSetLogger(t *testing.T) {
	restoreLogger(t)
	health := Component("Health")

	var first, second Recorder
	SetLogger(first.Logf)
	health("now %s", "SERVING")
	SetLogger(second.Logf)
	health("stopped")

	assert.Equal(t, []string{"[Health] now SERVING"}, first.Lines())
	assert.Equal(t, []string{"[Health] stopped"}, second.Lines())
}

func TestRecorderConcurrent(t *testing.T) {
	var rec Recorder
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec.Logf("worker %d", i)
		}(i)
	}
	wg.Wait()
	assert.Len(t, rec.Lines(), 8)
}
