// SPDX-License-Identifier: GPL-3.0-or-later
package gloda

import "fmt"

const DefaultParseConcurrency = 8

type ConfigFunc func(c *configuration) error

func ParseConcurrency(concurrency int) ConfigFunc {
	return func(c *configuration) error {
		if concurrency < 1 {
			return fmt.Errorf("ParseConcurrency must be at least 1")
		}

		c.ParseConcurrency = concurrency
		return nil
	}
}

type configuration struct {
	ParseConcurrency int
}
