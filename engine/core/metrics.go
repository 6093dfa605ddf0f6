package core

import "sync"

const AVG_COUNT uint8 = 30

type MetricsState struct {
	FrameAVGCounter    uint8
	MStimes            [AVG_COUNT]float64
	MSavg              float64
	Frames             int32
	AccumulatedFrameMS float64
	FPS                float64
	TotalFrames        uint64
}

var metricsMu sync.Mutex
var metricsState *MetricsState = nil

func MetricsInitialize() error {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	metricsState = &MetricsState{}
	return nil
}

// MetricsUpdate records the duration of one frame in seconds.
func MetricsUpdate(frameElapsedTime float64) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if metricsState == nil {
		return
	}

	frameMS := frameElapsedTime * 1000.0
	metricsState.MStimes[metricsState.FrameAVGCounter] = frameMS
	if metricsState.FrameAVGCounter == AVG_COUNT-1 {
		var sum float64
		for i := uint8(0); i < AVG_COUNT; i++ {
			sum += metricsState.MStimes[i]
		}
		metricsState.MSavg = sum / float64(AVG_COUNT)
	}
	metricsState.FrameAVGCounter++
	metricsState.FrameAVGCounter %= AVG_COUNT

	metricsState.AccumulatedFrameMS += frameMS
	if metricsState.AccumulatedFrameMS > 1000 {
		metricsState.FPS = float64(metricsState.Frames)
		metricsState.AccumulatedFrameMS -= 1000
		metricsState.Frames = 0
	}

	metricsState.Frames++
	metricsState.TotalFrames++
}

func MetricsFrameTime() float64 {
	_, ms := MetricsFrame()
	return ms
}

func MetricsFrame() (float64, float64) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if metricsState == nil {
		return 0, 0
	}
	return metricsState.FPS, metricsState.MSavg
}

func MetricsTotalFrames() uint64 {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if metricsState == nil {
		return 0
	}
	return metricsState.TotalFrames
}
