package shaders

import (
	"fmt"
	"strings"

	"github.com/gogpu/naga/hlsl"
)

type Stage string

const (
	StageVertex  Stage = "vs"
	StagePixel   Stage = "ps"
	StageCompute Stage = "cs"
	// StageLibrary holds ray tracing shaders exported by name.
	StageLibrary Stage = "lib"
)

var shaderModels = []hlsl.ShaderModel{
	hlsl.ShaderModel5_0,
	hlsl.ShaderModel5_1,
	hlsl.ShaderModel6_0,
	hlsl.ShaderModel6_1,
	hlsl.ShaderModel6_2,
	hlsl.ShaderModel6_3,
	hlsl.ShaderModel6_4,
	hlsl.ShaderModel6_5,
	hlsl.ShaderModel6_6,
	hlsl.ShaderModel6_7,
}

// Profile is a compilation target such as vs_6_0 or lib_6_3.
type Profile struct {
	Stage Stage
	Model hlsl.ShaderModel
}

func (p Profile) String() string {
	return string(p.Stage) + "_" + p.Model.ProfileSuffix()
}

// ParseProfile parses "<stage>_<major>_<minor>". Library profiles need a
// shader model with ray tracing.
func ParseProfile(s string) (Profile, error) {
	stage, suffix, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "_")
	if !ok {
		return Profile{}, fmt.Errorf("malformed shader profile %q", s)
	}
	p := Profile{Stage: Stage(stage)}
	switch p.Stage {
	case StageVertex, StagePixel, StageCompute, StageLibrary:
	default:
		return Profile{}, fmt.Errorf("unknown shader stage %q in profile %q", stage, s)
	}
	found := false
	for _, m := range shaderModels {
		if m.ProfileSuffix() == suffix {
			p.Model = m
			found = true
			break
		}
	}
	if !found {
		return Profile{}, fmt.Errorf("unknown shader model %q in profile %q", suffix, s)
	}
	if p.Stage == StageLibrary && !p.Model.SupportsRayTracing() {
		return Profile{}, fmt.Errorf("profile %q: shader libraries need %s or newer", s, hlsl.ShaderModel6_3)
	}
	return p, nil
}
