// Package config loads the daemon configuration: a JSON topology file plus
// secrets taken from the process environment.
package config
