// Package chatlog forwards channel chat lines and emotes to an external HTTP
// log server. Each line is classified into a message or action record and
// posted as JSON without waiting for, or retrying on, the server's answer.
package chatlog
