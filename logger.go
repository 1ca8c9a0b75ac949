package sbnc

import "log"

type Logger interface {
	Print(v ...interface{})
	Printf(format string, v ...interface{})
}

type logger struct{}

func (logger) Print(v ...interface{}) {
	log.Print(v...)
}

func (logger) Printf(format string, v ...interface{}) {
	log.Printf(format, v...)
}

var stdLogger Logger = logger{}

type prefixLogger struct {
	logger Logger
	prefix string
}

var _ Logger = (*prefixLogger)(nil)

func (l *prefixLogger) Print(v ...interface{}) {
	v = append([]interface{}{l.prefix}, v...)
	l.logger.Print(v...)
}

func (l *prefixLogger) Printf(format string, v ...interface{}) {
	v = append([]interface{}{l.prefix}, v...)
	l.logger.Printf("%v"+format, v...)
}
