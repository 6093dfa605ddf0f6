package renderer

import "path/filepath"

// Shader sources of the sample, relative to Config.ShaderDir.
const (
	rasterShaderFile  = "shaders.hlsl"
	rayGenShaderFile  = "RayGen.hlsl"
	missShaderFile    = "Miss.hlsl"
	hitShaderFile     = "Hit.hlsl"
	shadowShaderFile  = "ShadowRay.hlsl"
	computeShaderFile = "particles.hlsl"
)

const (
	vertexEntry = "VSMain"
	pixelEntry  = "PSMain"

	vertexProfile  = "vs_6_0"
	pixelProfile   = "ps_6_0"
	computeProfile = "cs_6_0"
	libraryProfile = "lib_6_3"
)

func (c *Context) shaderPath(file string) string {
	return filepath.Join(c.cfg.ShaderDir, file)
}

func (c *Context) sourceOr(override, file string) string {
	if override != "" {
		return override
	}
	return file
}

// library compiles one ray tracing library.
func (c *Context) library(file string) ([]byte, error) {
	return c.shaders.Get(c.shaderPath(file), "", libraryProfile)
}
