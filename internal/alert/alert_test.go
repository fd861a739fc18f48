package alert

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) StartTone(code int, duration time.Duration) error {
	args := m.Called(code, duration)
	return args.Error(0)
}

func (m *MockGenerator) Release() error {
	args := m.Called()
	return args.Error(0)
}

func factoryFor(gen Generator) (Factory, *int) {
	calls := 0
	return func(stream string, volume int) (Generator, error) {
		calls++
		return gen, nil
	}, &calls
}

func TestToneTableIsExhaustive(t *testing.T) {
	seen := map[int]bool{}
	for _, tone := range Tones() {
		spec, ok := toneTable[tone]
		require.True(t, ok, "tone %v missing from table", tone)
		assert.Equal(t, ToneDuration, spec.duration)
		assert.False(t, seen[spec.code], "duplicate code %d", spec.code)
		seen[spec.code] = true
	}
	assert.Len(t, toneTable, len(Tones()))
}

func TestToneCodes(t *testing.T) {
	tests := []struct {
		tone Tone
		name string
		code int
	}{
		{Beep, "BEEP", CodePropBeep},
		{BeepBeepBeep, "BEEP_BEEP_BEEP", CodeCDMAConfirm},
		{LongBeep, "LONG_BEEP", CodeCDMAAbbrAlert},
		{DoodlyDoo, "DOODLY_DOO", CodeCDMAAlertNetworkLite},
		{ChirpChirpChirp, "CHIRP_CHIRP_CHIRP", CodeCDMAAlertCallGuard},
		{DialTone, "DIALTONE", CodeSupRingtone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.tone.String())
			assert.Equal(t, tt.code, tt.tone.Code())
		})
	}
}

func TestParseTone(t *testing.T) {
	tone, err := ParseTone("long_beep")
	require.NoError(t, err)
	assert.Equal(t, LongBeep, tone)

	_, err = ParseTone("KLAXON")
	assert.Error(t, err)
}

func TestSignal_StartBeforeAcquireIsNoop(t *testing.T) {
	gen := new(MockGenerator)
	factory, calls := factoryFor(gen)
	s := NewSignal(factory, "notification", 100, nil)

	s.Start(Beep)

	assert.Equal(t, Uninitialized, s.State())
	assert.Zero(t, *calls)
	gen.AssertNotCalled(t, "StartTone", mock.Anything, mock.Anything)
}

func TestSignal_Lifecycle(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("StartTone", CodeCDMAAbbrAlert, time.Second).Return(nil).Once()
	gen.On("Release").Return(nil).Once()
	factory, calls := factoryFor(gen)
	s := NewSignal(factory, "notification", 100, nil)

	s.Acquire()
	assert.Equal(t, Active, s.State())

	s.Start(LongBeep)

	s.Release()
	assert.Equal(t, Released, s.State())

	// after release: ignored, generator untouched
	s.Start(LongBeep)
	s.Release()
	s.Acquire()

	assert.Equal(t, Released, s.State())
	assert.Equal(t, 1, *calls)
	gen.AssertExpectations(t)
}

func TestSignal_ReleaseWhileUninitializedIsNoop(t *testing.T) {
	gen := new(MockGenerator)
	factory, _ := factoryFor(gen)
	s := NewSignal(factory, "notification", 100, nil)

	s.Release()

	assert.Equal(t, Uninitialized, s.State())
	gen.AssertNotCalled(t, "Release")
}

func TestSignal_AcquireFailureIsNotFatal(t *testing.T) {
	s := NewSignal(func(string, int) (Generator, error) {
		return nil, errors.New("audio device busy")
	}, "notification", 100, nil)

	s.Acquire()
	s.Start(Beep)
	s.Release()

	assert.Equal(t, Uninitialized, s.State())
}

func TestSignal_NilFactory(t *testing.T) {
	s := NewSignal(nil, "", 0, nil)

	s.Acquire()
	s.Start(DialTone)

	assert.Equal(t, Uninitialized, s.State())
}

func TestSignal_InvalidToneIgnored(t *testing.T) {
	gen := new(MockGenerator)
	factory, _ := factoryFor(gen)
	s := NewSignal(factory, "notification", 100, nil)
	s.Acquire()

	s.Start(Tone{})

	gen.AssertNotCalled(t, "StartTone", mock.Anything, mock.Anything)
}

func TestSignal_GeneratorErrorIsAbsorbed(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("StartTone", CodePropBeep, time.Second).Return(errors.New("underrun"))
	factory, _ := factoryFor(gen)
	s := NewSignal(factory, "notification", 100, nil)
	s.Acquire()

	assert.NotPanics(t, func() { s.Start(Beep) })
	assert.Equal(t, Active, s.State())
}

func TestSignal_ConcurrentStartAndRelease(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	s := NewSignal(NewBellFactory(&lockedWriter{w: &buf, mu: &mu}), "notification", 100, nil)
	s.Acquire()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Start(ChirpChirpChirp)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Release()
	}()
	wg.Wait()

	assert.Equal(t, Released, s.State())
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, buf.Len(), 50)
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func TestBellGenerator(t *testing.T) {
	var buf bytes.Buffer
	gen, err := NewBellFactory(&buf)("notification", 100)
	require.NoError(t, err)

	require.NoError(t, gen.StartTone(CodePropBeep, time.Second))
	assert.Equal(t, "\a", buf.String())

	require.NoError(t, gen.Release())
	assert.ErrorIs(t, gen.StartTone(CodePropBeep, time.Second), ErrReleased)

	muted, err := NewBellFactory(&buf)("notification", 0)
	require.NoError(t, err)
	require.NoError(t, muted.StartTone(CodePropBeep, time.Second))
	assert.Equal(t, "\a", buf.String())

	_, err = NewBellFactory(nil)("notification", 100)
	assert.Error(t, err)
}

func TestToneForCode(t *testing.T) {
	for _, tone := range Tones() {
		got, ok := ToneForCode(tone.Code())
		require.True(t, ok, tone.String())
		assert.Equal(t, tone, got)
	}
	_, ok := ToneForCode(0)
	assert.False(t, ok)
}
