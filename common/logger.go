// Package common provides shared constants, types, and utilities
// used across the tunnel supervisor.
package common

import (
	"compress/gzip"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// AppLogger is the leveled logger shared by the daemon and the CLI.
// Console output goes to stderr so that stdout stays free for command
// results. The daemon additionally logs to a size-rotated file.
type AppLogger struct {
	mu          sync.Mutex
	level       LogLevel
	logger      *log.Logger
	console     io.Writer
	file        *rotatingFile
	maxFileSize int64
	maxBackups  int
}

// LogConfig holds configuration options for the logger.
type LogConfig struct {
	Level       LogLevel
	EnableFile  bool
	MaxFileSize int64 // in bytes, default 5MB
	MaxBackups  int   // number of rotated files to keep, default 5
}

var (
	defaultLogger *AppLogger
	loggerOnce    sync.Once
)

const (
	defaultMaxFileSize = 5 * 1024 * 1024 // 5MB
	defaultMaxBackups  = 5

	backupTimeFormat = "20060102-150405.000"
)

// isSymlink checks if a path is a symbolic link.
// Returns false if path doesn't exist (safe to create).
func isSymlink(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSymlink != 0
}

// GetLogger returns the singleton logger instance.
func GetLogger() *AppLogger {
	loggerOnce.Do(func() {
		defaultLogger = &AppLogger{
			level:       LevelInfo,
			console:     os.Stderr,
			logger:      log.New(os.Stderr, "", 0),
			maxFileSize: defaultMaxFileSize,
			maxBackups:  defaultMaxBackups,
		}
	})
	return defaultLogger
}

// InitLogger initializes the logger with custom configuration.
// Should be called early in application startup.
func InitLogger(config LogConfig) error {
	logger := GetLogger()
	logger.SetLevel(config.Level)

	logger.mu.Lock()
	if config.MaxFileSize > 0 {
		logger.maxFileSize = config.MaxFileSize
	}
	if config.MaxBackups > 0 {
		logger.maxBackups = config.MaxBackups
	}
	logger.mu.Unlock()

	if config.EnableFile {
		return logger.EnableFileLogging()
	}
	return nil
}

// SetLevel sets the minimum log level.
func (l *AppLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput replaces the console destination. A file sink, if enabled,
// keeps receiving every line.
func (l *AppLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.console = w
	l.rebuildLocked()
}

// EnableFileLogging tees the log into the daemon log file, which is
// rotated whenever a write would take it past maxFileSize.
func (l *AppLogger) EnableFileLogging() error {
	path, err := l.prepareLogPath(LogFileName)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := openRotatingFile(path, l.maxFileSize, l.maxBackups)
	if err != nil {
		return err
	}
	if l.file != nil {
		l.file.Close()
	}
	l.file = file
	l.rebuildLocked()
	return nil
}

// OpenRelayLog opens the append-only file that receives the relay
// process's stdout and stderr. The child writes to it directly, so it is
// only rotated here, before each open. The caller owns the returned file.
func (l *AppLogger) OpenRelayLog() (*os.File, error) {
	path, err := l.prepareLogPath(RelayLogName)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	limit, backups := l.maxFileSize, l.maxBackups
	l.mu.Unlock()

	rotateIfNeeded(path, limit, backups)
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
}

// prepareLogPath creates the log directory and resolves name inside it,
// refusing symlinked directories and files.
func (l *AppLogger) prepareLogPath(name string) (string, error) {
	logDir := GetLogDir()
	if logDir == "" {
		return "", fmt.Errorf("cannot resolve log directory")
	}
	if isSymlink(logDir) {
		return "", fmt.Errorf("security error: log directory is a symlink")
	}
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return "", err
	}

	logPath := filepath.Join(logDir, name)
	if isSymlink(logPath) {
		return "", fmt.Errorf("security error: log file %s is a symlink", name)
	}
	return logPath, nil
}

// rebuildLocked points the underlying logger at the current sinks.
func (l *AppLogger) rebuildLocked() {
	out := l.console
	if out == nil {
		out = io.Discard
	}
	if l.file != nil {
		out = io.MultiWriter(out, l.file)
	}
	l.logger = log.New(out, "", 0)
}

// rotatingFile is an append-only log file that is compressed away and
// reopened empty once it grows past limit.
type rotatingFile struct {
	mu      sync.Mutex
	path    string
	limit   int64
	backups int
	file    *os.File
	size    int64
}

func openRotatingFile(path string, limit int64, backups int) (*rotatingFile, error) {
	r := &rotatingFile{path: path, limit: limit, backups: backups}
	rotateIfNeeded(path, limit, backups)
	if err := r.openLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *rotatingFile) openLocked() error {
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	r.file = file
	r.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would overflow the limit.
func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}
	if r.limit > 0 && r.size > 0 && r.size+int64(len(p)) > r.limit {
		r.file.Close()
		r.file = nil
		rotateFile(r.path, r.backups)
		if err := r.openLocked(); err != nil {
			return 0, err
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Close closes the file; later writes fail.
func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// rotateIfNeeded rotates path when it is at least limit bytes long.
func rotateIfNeeded(path string, limit int64, backups int) {
	info, err := os.Stat(path)
	if err != nil || info.Size() < limit {
		return
	}
	rotateFile(path, backups)
}

// rotateFile moves path to a timestamped gzip backup and prunes backups
// beyond keep. If compression fails the file is renamed uncompressed.
func rotateFile(path string, keep int) {
	rotatedPath := fmt.Sprintf("%s.%s.gz", path, time.Now().Format(backupTimeFormat))

	if err := compressFile(path, rotatedPath); err != nil {
		os.Remove(rotatedPath)
		os.Rename(path, strings.TrimSuffix(rotatedPath, ".gz"))
	} else {
		os.Remove(path)
	}

	pruneBackups(path, keep)
}

// compressFile compresses a file using gzip.
func compressFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	gzWriter := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gzWriter, srcFile); err != nil {
		gzWriter.Close()
		return err
	}
	return gzWriter.Close()
}

// pruneBackups removes the oldest backups of path beyond keep. Backup
// names embed their timestamp, so name order is age order.
func pruneBackups(path string, keep int) {
	matches, err := filepath.Glob(path + ".*")
	if err != nil || len(matches) <= keep {
		return
	}

	sort.Strings(matches)
	for _, old := range matches[:len(matches)-keep] {
		os.Remove(old)
	}
}

// GetLogDir returns the log directory path.
func GetLogDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config", ConfigDirName, "logs")
}

// log writes a formatted log message.
func (l *AppLogger) log(level LogLevel, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	caller := "???"
	if _, file, line, ok := runtime.Caller(2); ok {
		caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}

	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	l.logger.Printf("%s [%s] %s: %s", time.Now().Format("2006/01/02 15:04:05"), level, caller, msg)
}

// Debug logs a debug message.
func (l *AppLogger) Debug(msg string, args ...any) {
	l.log(LevelDebug, msg, args...)
}

// Info logs an informational message.
func (l *AppLogger) Info(msg string, args ...any) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs a warning message.
func (l *AppLogger) Warn(msg string, args ...any) {
	l.log(LevelWarn, msg, args...)
}

// Error logs an error message.
func (l *AppLogger) Error(msg string, args ...any) {
	l.log(LevelError, msg, args...)
}

// Shorthand functions for default logger.

// LogDebug logs a debug message to the default logger.
func LogDebug(msg string, args ...any) {
	GetLogger().Debug(msg, args...)
}

// LogInfo logs an info message to the default logger.
func LogInfo(msg string, args ...any) {
	GetLogger().Info(msg, args...)
}

// LogWarn logs a warning message to the default logger.
func LogWarn(msg string, args ...any) {
	GetLogger().Warn(msg, args...)
}

// LogError logs an error message to the default logger.
func LogError(msg string, args ...any) {
	GetLogger().Error(msg, args...)
}

// Close closes the log file. Should be called on application shutdown.
func (l *AppLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.rebuildLocked()
	return err
}

// CloseLogger closes the default logger.
func CloseLogger() error {
	return GetLogger().Close()
}
