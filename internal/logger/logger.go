package logger

import (
	"go.uber.org/zap"
)

// New returns a development logger for local runs and a JSON production logger otherwise.
// The result is also installed as the zap global.
func New(development bool) (*zap.Logger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if development {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(l)
	return l, nil
}
