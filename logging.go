/**
 * Client library for browser-hosted real-time meetings.
 * Copyright (C) 2024 struktur AG
 *
 * @author Joachim Bauch <bauch@struktur.de>
 *
 * @license GNU AGPL version 3 or any later version
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */
package meetings

import (
	"log"
)

// Logger is the minimal logging interface used by this module. The stdlib
// logger implements it, as do wrappers around structured loggers.
type Logger interface {
	Printf(format string, v ...any)
	Println(...any)
}

type nullLogger struct{}

func (nullLogger) Printf(format string, v ...any) {}

func (nullLogger) Println(...any) {}

// NullLogger discards all output.
var NullLogger Logger = nullLogger{}

// DefaultLogger returns the logger used when none was configured.
func DefaultLogger() Logger {
	return log.Default()
}
