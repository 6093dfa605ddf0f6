// Package samples holds the stages of the tutorial as games for the
// engine. Each stage turns on the renderer features it introduces.
package samples

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spaghettifunk/lumen/engine"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer"
)

// Custom keeps the features of the configuration file.
const Custom = "custom"

type stage struct {
	name        string
	description string
	features    []string
}

var stages = []stage{
	{"raster", "rotating cubes on the raster pipeline", []string{engine.FeatureRaster}},
	{"compute", "particles integrated on the compute queue beside the cubes", []string{engine.FeatureRaster, engine.FeatureCompute}},
	{"raytrace", "ray traced cubes and plane with shadows, SPACE toggles raster", []string{engine.FeatureRaster, engine.FeatureRaytrace}},
	{"all", "every feature at once", []string{engine.FeatureRaster, engine.FeatureCompute, engine.FeatureRaytrace}},
	{Custom, "features from the configuration file", nil},
}

// Names lists the samples in tutorial order.
func Names() []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.name
	}
	return names
}

func Describe(name string) (string, bool) {
	s, ok := lookup(name)
	return s.description, ok
}

func lookup(name string) (stage, bool) {
	i := slices.IndexFunc(stages, func(s stage) bool { return s.name == name })
	if i < 0 {
		return stage{}, false
	}
	return stages[i], true
}

// Seconds between two statistics lines in the log.
const reportInterval = 2.0

type Sample struct {
	*engine.Game
	stage stage
}

type sampleState struct {
	width       uint32
	height      uint32
	sinceReport float64
	reports     int
}

func New(name string, config *engine.ApplicationConfig) (*Sample, error) {
	st, ok := lookup(name)
	if !ok {
		err := fmt.Errorf("unknown sample %q, want one of %s", name, strings.Join(Names(), ", "))
		core.LogError(err.Error())
		return nil, err
	}
	if config == nil {
		config = engine.DefaultApplicationConfig()
	}
	s := &Sample{
		Game: &engine.Game{
			ApplicationConfig: config,
			State:             &sampleState{},
		},
		stage: st,
	}
	s.FnBoot = s.Boot
	s.FnInitialize = s.Initialize
	s.FnUpdate = s.Update
	s.FnOnResize = s.OnResize
	s.FnShutdown = s.Shutdown
	return s, nil
}

func (s *Sample) Name() string {
	return s.stage.name
}

func (s *Sample) Boot() error {
	core.LogInfo("booting sample %s: %s", s.stage.name, s.stage.description)
	config := s.ApplicationConfig
	if s.stage.features != nil {
		config.Features = slices.Clone(s.stage.features)
	}
	if !config.HasFeature(engine.FeatureRaytrace) && config.Mode == renderer.ModeRaytrace.String() {
		core.LogWarn("sample %s has no ray tracing, starting in raster mode", s.stage.name)
		config.Mode = renderer.ModeRaster.String()
	}
	return nil
}

func (s *Sample) Initialize() error {
	if s.Renderer == nil {
		return fmt.Errorf("the engine is not yet initialized with a renderer")
	}
	if layout, ok := s.Renderer.TableLayout(); ok {
		core.LogInfo("press SPACE to switch between raster and ray tracing, %d hit group records", layout.HitGroup.Count)
	}
	return nil
}

func (s *Sample) Update(deltaTime float64) error {
	state := s.State.(*sampleState)
	state.sinceReport += deltaTime
	if state.sinceReport < reportInterval {
		return nil
	}
	state.sinceReport = 0
	state.reports++

	stats := s.Renderer.Stats()
	fps, frameTime := core.MetricsFrame()
	pos := s.Renderer.Camera().Position
	line := fmt.Sprintf("FPS: %5.1f(%4.1fms) mode=%s frames=%d fence=%d Pos=[%7.3f %7.3f %7.3f]",
		fps, frameTime, stats.Mode, stats.Frames, stats.LastFenceValue, pos.X, pos.Y, pos.Z)
	if s.ApplicationConfig.HasFeature(engine.FeatureCompute) {
		line += fmt.Sprintf(" particles=%d", stats.ComputeIteration)
	}
	core.LogInfo(line)
	return nil
}

func (s *Sample) OnResize(width uint32, height uint32) error {
	state := s.State.(*sampleState)
	state.width = width
	state.height = height
	return nil
}

func (s *Sample) Shutdown() error {
	if s.Renderer != nil {
		stats := s.Renderer.Stats()
		core.LogInfo("sample %s done after %d frames", s.stage.name, stats.Frames)
	}
	return nil
}
