// Package memo lets users leave a message for someone who is not around:
// "bot: tell bob the build is green" is stored per channel and delivered the
// next time bob speaks in that channel.
package memo
