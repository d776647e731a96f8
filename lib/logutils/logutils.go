// Copyright (c) 2026 Tigera, Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logutils

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

const (
	TimeFormat      = "2006-01-02 15:04:05.000"
	FileNameUnknown = "<nil>"
)

// Formatter renders log lines as
//
//	2006-01-02 15:04:05.000 [INFO][1234] component/file.go 123: Message key="value"
//
// It relies on logrus' ReportCaller being enabled to fill in the file name.
type Formatter struct {
	Component string

	initOnce sync.Once
	infixes  []string
}

func (f *Formatter) init() {
	f.initOnce.Do(func() {
		f.infixes = make([]string, len(logrus.AllLevels))
		for _, level := range logrus.AllLevels {
			f.infixes[level] = f.computeInfix(level)
		}
	})
}

func (f *Formatter) computeInfix(level logrus.Level) string {
	infix := fmt.Sprintf(" [%s][%d] ", strings.ToUpper(level.String()), os.Getpid())
	if f.Component != "" {
		infix += f.Component + "/"
	}
	return infix
}

func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	f.init()

	b := entry.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}
	b.WriteString(entry.Time.Format(TimeFormat))
	if int(entry.Level) < len(f.infixes) {
		b.WriteString(f.infixes[entry.Level])
	} else {
		b.WriteString(f.computeInfix(entry.Level))
	}
	if entry.Caller != nil {
		b.WriteString(path.Base(entry.Caller.File))
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(entry.Caller.Line))
	} else {
		b.WriteString(FileNameUnknown)
	}
	b.WriteString(": ")
	b.WriteString(entry.Message)
	appendKVsAndNewLine(b, entry.Data)
	return b.Bytes(), nil
}

// appendKVsAndNewLine writes the entry's fields in sorted key order.
func appendKVsAndNewLine(b *bytes.Buffer, data logrus.Fields) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteByte('=')
		switch value := data[key].(type) {
		case string:
			b.WriteString(strconv.Quote(value))
		case error:
			b.WriteString(value.Error())
		case fmt.Stringer:
			b.WriteString(value.String())
		default:
			_, _ = fmt.Fprintf(b, "%v", value)
		}
	}
	b.WriteByte('\n')
}

// SafeParseLogLevel parses a logrus level, defaulting to info on failure.
func SafeParseLogLevel(logLevel string) logrus.Level {
	if logLevel == "" {
		return logrus.InfoLevel
	}
	parsed, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.WithField("rawLevel", logLevel).Warn("Invalid log level, defaulting to info")
		return logrus.InfoLevel
	}
	return parsed
}

// ConfigureLogging sets up the global logrus logger for a daemon or CLI.
func ConfigureLogging(logLevel string) {
	logrus.SetFormatter(&Formatter{Component: "gbp"})
	logrus.SetReportCaller(true)
	logrus.SetOutput(os.Stderr)
	logrus.SetLevel(SafeParseLogLevel(logLevel))
}

// TestingTWriter adapts a *testing.T as a logrus output.
type TestingTWriter struct {
	T *testing.T
}

func (l TestingTWriter) Write(p []byte) (n int, err error) {
	l.T.Helper()
	l.T.Log(strings.TrimRight(string(p), "\r\n"))
	return len(p), nil
}

// RedirectLogrusToTestingT redirects logrus output to the given testing.T and
// returns a func that restores the previous output.
func RedirectLogrusToTestingT(t *testing.T) (cancel func()) {
	oldOut := logrus.StandardLogger().Out
	logrus.SetOutput(TestingTWriter{T: t})
	return func() {
		logrus.SetOutput(oldOut)
	}
}

var confForTestingOnce sync.Once

func ConfigureLoggingForTestingT(t *testing.T) {
	confForTestingOnce.Do(func() {
		logrus.SetFormatter(&Formatter{Component: "test"})
		logrus.SetLevel(logrus.DebugLevel)
	})
	t.Cleanup(RedirectLogrusToTestingT(t))
}
