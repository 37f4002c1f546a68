package logging

import "go.uber.org/zap"

type Logger = zap.SugaredLogger

func New() *Logger {
	l, _ := zap.NewProduction()
	return l.Sugar()
}

func NewDevelopment() *Logger {
	l, _ := zap.NewDevelopment()
	return l.Sugar()
}
