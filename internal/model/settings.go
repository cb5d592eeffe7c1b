package model

// Recognized settings keys. Settings are a flat key→string map read fresh
// by the worker at job start; values are never cached across jobs.
const (
	SettingTextProvider  = "textProvider"  // "ollama" or "openrouter"
	SettingTextModel     = "textModel"     // model name for the text provider
	SettingImageProvider = "imageProvider" // "comfyui", "openrouter" or "" (disabled)
	SettingImageModel    = "imageModel"    // optional model name for the image provider

	SettingOllamaURL        = "ollamaUrl"
	SettingOpenRouterAPIKey = "openrouterApiKey"
	SettingComfyUIURL       = "comfyuiUrl"
	SettingAceStepURL       = "aceStepUrl"

	SettingTextConcurrency  = "textConcurrency"  // optional override, integer
	SettingImageConcurrency = "imageConcurrency" // optional override, integer
)
