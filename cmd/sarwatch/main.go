/*
Copyright © 2025 the SARwatch authors.
This file is part of SARwatch.

SARwatch is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

SARwatch is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with SARwatch.  If not, see <http://www.gnu.org/licenses/>.
*/

// Command sarwatch is the InSAR deformation monitoring pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/spatialmodel/sarwatch/sarwatchutil"
)

func main() {
	if err := sarwatchutil.NewRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
