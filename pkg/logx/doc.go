// Package logx is the gateway's logging layer on top of zerolog.
//
// Console output is human readable by default; the optional file sink is
// JSON and rotated by lumberjack. Reporter funnels device failures through
// one place so they can be demoted while suppression is on.
package logx
