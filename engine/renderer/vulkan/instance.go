package vulkan

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
)

const validationLayer = "VK_LAYER_KHRONOS_validation"

// Surface is the window the device presents to. The platform window
// satisfies it.
type Surface interface {
	RequiredInstanceExtensions() []string
	CreateWindowSurface(instance interface{}, allocCallbacks unsafe.Pointer) (uintptr, error)
}

type Options struct {
	AppName string
	// Debug enables the validation layer and routes its reports to the
	// engine log.
	Debug bool
}

func loadLoader() error {
	procAddr := glfw.GetVulkanGetInstanceProcAddress()
	if procAddr == nil {
		err := fmt.Errorf("vulkan: GetInstanceProcAddress is nil")
		core.LogError(err.Error())
		return err
	}
	vk.SetGetInstanceProcAddr(procAddr)
	if err := vk.Init(); err != nil {
		err = fmt.Errorf("vulkan: failed to initialize the loader: %w", err)
		core.LogError(err.Error())
		return err
	}
	return nil
}

func createInstance(s Surface, opts Options) (vk.Instance, error) {
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 1, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   safeString(opts.AppName),
		PEngineName:        safeString("Lumen"),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	extensions := append([]string{"VK_KHR_surface"}, s.RequiredInstanceExtensions()...)
	if runtime.GOOS == "darwin" {
		extensions = append(extensions, "VK_KHR_portability_enumeration", "VK_KHR_get_physical_device_properties2")
		createInfo.Flags |= 1
	}
	var layers []string
	if opts.Debug {
		extensions = append(extensions, vk.ExtDebugReportExtensionName)
		if hasLayer(validationLayer) {
			layers = append(layers, validationLayer)
		} else {
			core.LogWarn("vulkan: %s is not installed, continuing without validation", validationLayer)
		}
	}
	for _, e := range extensions {
		core.LogDebug("vulkan: instance extension %s", e)
	}
	createInfo.EnabledExtensionCount = uint32(len(extensions))
	createInfo.PpEnabledExtensionNames = safeStrings(extensions)
	createInfo.EnabledLayerCount = uint32(len(layers))
	createInfo.PpEnabledLayerNames = safeStrings(layers)

	var instance vk.Instance
	if err := resultError("vkCreateInstance", vk.CreateInstance(&createInfo, nil, &instance)); err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	if err := vk.InitInstance(instance); err != nil {
		vk.DestroyInstance(instance, nil)
		core.LogError(err.Error())
		return nil, err
	}
	core.LogInfo("Vulkan instance created.")
	return instance, nil
}

func hasLayer(name string) bool {
	var count uint32
	if vk.EnumerateInstanceLayerProperties(&count, nil) != vk.Success {
		return false
	}
	layers := make([]vk.LayerProperties, count)
	if vk.EnumerateInstanceLayerProperties(&count, layers) != vk.Success {
		return false
	}
	for i := range layers {
		layers[i].Deref()
		if cString(layers[i].LayerName[:]) == name {
			return true
		}
	}
	return false
}

func createDebugCallback(instance vk.Instance) (vk.DebugReportCallback, error) {
	info := vk.DebugReportCallbackCreateInfo{
		SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
		Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
		PfnCallback: debugReport,
	}
	var cb vk.DebugReportCallback
	if err := resultError("vkCreateDebugReportCallback", vk.CreateDebugReportCallback(instance, &info, nil, &cb)); err != nil {
		core.LogError(err.Error())
		return vk.NullDebugReportCallback, err
	}
	return cb, nil
}

func debugReport(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("vulkan: [%s] code %d: %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit|vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("vulkan: [%s] code %d: %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogDebug("vulkan: [%s] code %d: %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}
