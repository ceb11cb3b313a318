package util

import (
	"bytes"
	"errors"

	"github.com/sirupsen/logrus"
)

const (
	LogComponentField = "component"

	defaultLogComponent = "houndigrade"
)

// ComponentFormatter prefixes every line with the component that logged it.
type ComponentFormatter struct {
	*logrus.TextFormatter
}

func SetUpLogger(debug, jsonFormat bool) {
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if jsonFormat {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(NewComponentFormatter())
}

func NewComponentFormatter() ComponentFormatter {
	return ComponentFormatter{
		TextFormatter: &logrus.TextFormatter{
			DisableColors: true,
			FullTimestamp: true,
		},
	}
}

func (f ComponentFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	logMsg := &bytes.Buffer{}
	component, ok := entry.Data[LogComponentField]
	if !ok {
		component = defaultLogComponent
	}
	name, ok := component.(string)
	if !ok {
		return nil, errors.New("field component must be a string")
	}

	// The prefix already names the component, don't repeat it in the fields.
	data := make(logrus.Fields, len(entry.Data))
	for k, v := range entry.Data {
		if k != LogComponentField {
			data[k] = v
		}
	}
	stripped := *entry
	stripped.Data = data

	msg, err := f.TextFormatter.Format(&stripped)
	if err != nil {
		return nil, err
	}
	logMsg.WriteString("[" + name + "] ")
	logMsg.Write(msg)
	return logMsg.Bytes(), nil
}
