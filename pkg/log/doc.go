// Copyright 2026 The Userspacefs Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log implements leveled, modal execution logs. Every command in
// this repository exposes the same logging surface:
//
//	$ userspacefs <command> -help
//	  -log-dir string
//	        Write log files to the specified directory.
//	  -log-mode value
//	        Log mode for logs emitted globally (e.g. info|warn|error).
//	  -suppress-stderr
//	        Suppress standard error logging.
//
// Basic example:
//
//	logger := log.New()
//	logger.Info("hello, world")
//
// The logger can be configured to be safe for concurrent use, output to
// rotating logs, and log with specific formatted headers using variadic
// options during initialization:
//
//	writer := os.Stderr
//	writer = log.SynchronizedWriter(writer)
//	writer = log.MultiWriter(writer,
//	        log.LogRotationWriter("/logs", 50<<20 /* 50 MiB */))
//
//	logf := log.Lmode | log.Ldate | log.Ltime | log.Llongfile
//
//	logger := log.New(log.Writer(writer), log.Flags(logf))
package log
