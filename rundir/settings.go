package rundir

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	environmentPrefixConstant                   = "PROCRUN"
	environmentKeySeparatorOldConstant          = "."
	environmentKeySeparatorNewConstant          = "_"
	configurationTypeConstant                   = "yaml"
	configurationReadErrorTemplateConstant      = "failed to read runtime settings: %w"
	configurationUnmarshalErrorTemplateConstant = "failed to parse runtime settings: %w"
	runDirectoryKeyConstant                     = "run_directory"
	tempDirectoryKeyConstant                    = "temp_directory"
	shellPathKeyConstant                        = "shell_path"
	detachHelperPathKeyConstant                 = "detach_helper_path"
	pidPollIntervalKeyConstant                  = "pid_poll_interval"
	pidWaitTimeoutKeyConstant                   = "pid_wait_timeout"
	defaultShellPathConstant                    = "/bin/sh"
	defaultDetachHelperNameConstant             = "procrun-detach"
	defaultPidPollIntervalConstant              = "100ms"
	defaultPidWaitTimeoutConstant               = "5s"
)

// Settings captures every location and tuning value the engines consume.
type Settings struct {
	RunDirectory     string        `mapstructure:"run_directory"`
	TempDirectory    string        `mapstructure:"temp_directory"`
	ShellPath        string        `mapstructure:"shell_path"`
	DetachHelperPath string        `mapstructure:"detach_helper_path"`
	PidPollInterval  time.Duration `mapstructure:"pid_poll_interval"`
	PidWaitTimeout   time.Duration `mapstructure:"pid_wait_timeout"`
}

// Provider exposes the two locations the engines create scratch files in.
type Provider interface {
	// RunDirectoryPath locates the directory holding pidfiles.
	RunDirectoryPath() string
	// TempDirectoryPath locates the directory holding capture files.
	TempDirectoryPath() string
}

// RunDirectoryPath implements Provider.
func (settings Settings) RunDirectoryPath() string {
	return settings.RunDirectory
}

// TempDirectoryPath implements Provider.
func (settings Settings) TempDirectoryPath() string {
	return settings.TempDirectory
}

// SettingsLoader wraps Viper to resolve Settings from defaults, an optional
// configuration file, and environment overrides.
type SettingsLoader struct {
	environmentKeyReplacer *strings.Replacer
	defaultValues          map[string]any
}

// NewSettingsLoader creates a loader seeded with platform defaults.
// temporaryDirectory seeds both scratch locations, typically os.TempDir().
func NewSettingsLoader(temporaryDirectory string) *SettingsLoader {
	return &SettingsLoader{
		environmentKeyReplacer: strings.NewReplacer(environmentKeySeparatorOldConstant, environmentKeySeparatorNewConstant),
		defaultValues: map[string]any{
			runDirectoryKeyConstant:     temporaryDirectory,
			tempDirectoryKeyConstant:    temporaryDirectory,
			shellPathKeyConstant:        defaultShellPathConstant,
			detachHelperPathKeyConstant: defaultDetachHelperNameConstant,
			pidPollIntervalKeyConstant:  defaultPidPollIntervalConstant,
			pidWaitTimeoutKeyConstant:   defaultPidWaitTimeoutConstant,
		},
	}
}

// LoadSettings resolves Settings. configurationFilePath may be empty, in
// which case only defaults and environment overrides apply.
func (loader *SettingsLoader) LoadSettings(configurationFilePath string) (Settings, error) {
	viperInstance := viper.New()
	viperInstance.SetConfigType(configurationTypeConstant)

	viperInstance.SetEnvPrefix(environmentPrefixConstant)
	if loader.environmentKeyReplacer != nil {
		viperInstance.SetEnvKeyReplacer(loader.environmentKeyReplacer)
	}
	viperInstance.AutomaticEnv()

	for defaultKey, defaultValue := range loader.defaultValues {
		viperInstance.SetDefault(defaultKey, defaultValue)
	}

	if len(configurationFilePath) > 0 {
		viperInstance.SetConfigFile(configurationFilePath)
		if readError := viperInstance.ReadInConfig(); readError != nil {
			return Settings{}, fmt.Errorf(configurationReadErrorTemplateConstant, readError)
		}
	}

	var settings Settings
	durationDecodeHook := viper.DecodeHook(mapstructure.StringToTimeDurationHookFunc())
	if unmarshalError := viperInstance.Unmarshal(&settings, durationDecodeHook); unmarshalError != nil {
		return Settings{}, fmt.Errorf(configurationUnmarshalErrorTemplateConstant, unmarshalError)
	}
	return settings, nil
}
