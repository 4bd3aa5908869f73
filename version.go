package main

const Version = "1.2.0"
