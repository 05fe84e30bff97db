package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	ITMonitoring       = "it_mod"   // conditional-block editor
	LivenessMonitoring = "live_mod" // free-register finder
	CFIMonitoring      = "cfi_mod"  // indirect-transfer guards
	SFIMonitoring      = "sfi_mod"  // store masking
	STRTMonitoring     = "strt_mod" // privilege-demoted stores
	SSMonitoring       = "ss_mod"   // shadow stack
	ScanMonitoring     = "scan_mod" // privileged-instruction scanner
	OverheadMonitoring = "ovh_mod"  // code-size estimator
	PipelineMonitoring = "pipe_mod" // pass driver
	CLIMonitoring      = "cli"
)

var root atomic.Value

func init() {
	root.Store(NewLogger(DiscardHandler()))
}

func ParseLevel(lvl string) (slog.Level, error) {
	switch strings.ToUpper(lvl) {
	case "MAX", "MAXVERBOSITY":
		return levelMaxVerbosity, nil
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "CRIT", "CRITICAL":
		return LevelCrit, nil
	default:
		return 0, fmt.Errorf("invalid level: %s", lvl)
	}
}

func InitLogger(logLevel string) {
	logLvl, err := ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(os.Stderr, logLvl, true)))
}

// SetDefault sets the default global logger
func SetDefault(l Logger) {
	root.Store(l)
	if lg, ok := l.(*logger); ok {
		slog.SetDefault(lg.inner)
	}
}

// Root returns the root logger
func Root() Logger {
	return root.Load().(Logger)
}

var knownModules = []string{
	ITMonitoring, LivenessMonitoring, CFIMonitoring, SFIMonitoring, STRTMonitoring,
	SSMonitoring, ScanMonitoring, OverheadMonitoring, PipelineMonitoring, CLIMonitoring,
}

// moduleEnabled keeps track of whether a module's trace and debug output is enabled.
var (
	moduleMu      sync.RWMutex
	moduleEnabled = initModules(knownModules)
)

func initModules(modules []string) map[string]bool {
	m := make(map[string]bool, len(modules))
	for _, module := range modules {
		m[module] = false
	}
	return m
}

// EnableModule enables logging for the specified module.
func EnableModule(module string) {
	moduleMu.Lock()
	defer moduleMu.Unlock()
	moduleEnabled[module] = true
}

// EnableModules takes a comma separated list; "all" turns on every known module.
func EnableModules(list string) {
	for _, module := range strings.Split(list, ",") {
		module = strings.TrimSpace(module)
		switch module {
		case "":
		case "all":
			for _, m := range knownModules {
				EnableModule(m)
			}
		default:
			EnableModule(module)
		}
	}
}

// DisableModule disables logging for the specified module.
func DisableModule(module string) {
	moduleMu.Lock()
	defer moduleMu.Unlock()
	moduleEnabled[module] = false
}

func isModuleEnabled(module string) bool {
	moduleMu.RLock()
	defer moduleMu.RUnlock()
	return moduleEnabled[module]
}

// Trace logs a message at the trace level for a specific module.
func Trace(module string, msg string, ctx ...interface{}) {
	if !isModuleEnabled(module) {
		return
	}
	Root().Write(LevelTrace, module, msg, ctx...)
}

// Debug logs a message at the debug level for a specific module.
func Debug(module string, msg string, ctx ...interface{}) {
	if !isModuleEnabled(module) {
		return
	}
	Root().Write(slog.LevelDebug, module, msg, ctx...)
}

// The rest of the logging functions (Info, Warn, Error, Crit, New) dont filter on module
func Info(module string, msg string, ctx ...interface{}) {
	Root().Write(slog.LevelInfo, module, msg, ctx...)
}

func Warn(module string, msg string, ctx ...interface{}) {
	Root().Write(slog.LevelWarn, module, msg, ctx...)
}

func Error(module string, msg string, ctx ...interface{}) {
	Root().Write(slog.LevelError, module, msg, ctx...)
}

func Crit(module string, msg string, ctx ...interface{}) {
	Root().Write(LevelCrit, module, msg, ctx...)
	os.Exit(1)
}

func RecordLogs() {
	Root().RecordLogs()
}

func GetRecordedLogs() ([]byte, error) {
	return Root().GetRecordedLogs()
}

func New(ctx ...interface{}) Logger {
	return Root().With(ctx...)
}
