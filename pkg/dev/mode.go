// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package dev

// Enabled indicates whether we should be in development mode or not (affects logging and development-specific features).
var Enabled = false
