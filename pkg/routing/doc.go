// Package routing selects a backend tier for a classified request.
//
// Rules, first match wins:
//
//  1. simple requests go to the cheapest tier
//  2. complex, prediction or strategic requests go to the top tier for pro
//     accounts; other accounts get the mid tier plus an upgrade suggestion
//  3. medium, analysis, multi-step or long (over 30 words) requests go to the mid tier
//  4. everything else goes to the cheapest tier
//
// A manual override naming a catalog tier bypasses the rules, but a
// premium-only tier is never served to a non-pro account: Route returns a
// *GatingError carrying the suggested alternative instead.
package routing
