// Package report renders the launcher's diagnostic blocks: message lines
// framed above and below by a row of dashes. Message text comes from
// {placeholder} templates expanded with valyala/fasttemplate.
package report
