package main

import (
	castkit "github.com/devgianlu/go-castkit"
	"github.com/sirupsen/logrus"
)

// LogrusAdapter exposes a logrus entry as a castkit.Logger.
type LogrusAdapter struct {
	Log *logrus.Entry
}

func (l LogrusAdapter) Tracef(format string, args ...interface{}) {
	l.Log.Tracef(format, args...)
}

func (l LogrusAdapter) Debugf(format string, args ...interface{}) {
	l.Log.Debugf(format, args...)
}

func (l LogrusAdapter) Infof(format string, args ...interface{}) {
	l.Log.Infof(format, args...)
}

func (l LogrusAdapter) Warnf(format string, args ...interface{}) {
	l.Log.Warnf(format, args...)
}

func (l LogrusAdapter) Errorf(format string, args ...interface{}) {
	l.Log.Errorf(format, args...)
}

func (l LogrusAdapter) Trace(args ...interface{}) {
	l.Log.Trace(args...)
}

func (l LogrusAdapter) Debug(args ...interface{}) {
	l.Log.Debug(args...)
}

func (l LogrusAdapter) Info(args ...interface{}) {
	l.Log.Info(args...)
}

func (l LogrusAdapter) Warn(args ...interface{}) {
	l.Log.Warn(args...)
}

func (l LogrusAdapter) Error(args ...interface{}) {
	l.Log.Error(args...)
}

func (l LogrusAdapter) WithField(key string, value interface{}) castkit.Logger {
	return LogrusAdapter{l.Log.WithField(key, value)}
}

func (l LogrusAdapter) WithError(err error) castkit.Logger {
	return LogrusAdapter{l.Log.WithError(err)}
}

func (l LogrusAdapter) WithDevice(deviceId string) castkit.Logger {
	return LogrusAdapter{l.Log.WithField(castkit.LogFieldDevice, deviceId)}
}

func (l LogrusAdapter) WithProtocol(pid castkit.ProtocolId) castkit.Logger {
	return LogrusAdapter{l.Log.WithField(castkit.LogFieldProtocol, string(pid))}
}

// NewLogrusAdapter returns the logger of a daemon component.
func NewLogrusAdapter(log *logrus.Logger, component string) LogrusAdapter {
	return LogrusAdapter{Log: logrus.NewEntry(log).WithField("component", component)}
}
