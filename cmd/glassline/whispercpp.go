//go:build whispercpp

package main

import (
	"github.com/MrWong99/glassline/internal/config"
	"github.com/MrWong99/glassline/pkg/provider/stt"
	"github.com/MrWong99/glassline/pkg/provider/stt/whisper"
)

func init() {
	extraEngines = append(extraEngines, func(reg *config.Registry, _ *config.Config) {
		reg.RegisterEngine("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
			var o whisperOptions
			if err := config.DecodeOptions(entry.Options, &o); err != nil {
				return nil, err
			}
			var opts []whisper.NativeOption
			if o.Language != "" {
				opts = append(opts, whisper.WithNativeLanguage(o.Language))
			}
			if o.SilenceThresholdMS > 0 {
				opts = append(opts, whisper.WithNativeSilenceThresholdMs(o.SilenceThresholdMS))
			}
			if o.MaxBufferDurationMS > 0 {
				opts = append(opts, whisper.WithNativeMaxBufferDurationMs(o.MaxBufferDurationMS))
			}
			// entry.Model is the path of the ggml model file.
			return whisper.NewNative(entry.Model, opts...)
		})
	})
}
